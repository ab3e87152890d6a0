package jobmgr

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStartAsyncRejectsDuplicateNames(t *testing.T) {
	m := NewManager(context.Background(), nil)
	release := make(chan struct{})
	defer m.StopAll()

	err := m.StartAsync("rejoin", func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		t.Fatalf("StartAsync error: %v", err)
	}

	err = m.StartAsync("rejoin", func(context.Context) error { return nil })
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second StartAsync error = %v, want ErrAlreadyRunning", err)
	}
	close(release)
}

func TestJobsAreRemovedOnCompletion(t *testing.T) {
	var (
		mu       sync.Mutex
		messages []string
	)
	m := NewManager(context.Background(), func(msg string) {
		mu.Lock()
		messages = append(messages, msg)
		mu.Unlock()
	})

	done := make(chan struct{})
	_ = m.StartAsync("ok", func(context.Context) error { return nil })
	_ = m.StartAsync("bad", func(context.Context) error {
		defer close(done)
		return errors.New("boom")
	})
	<-done

	deadline := time.Now().Add(2 * time.Second)
	for len(m.List()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("jobs still listed: %v", m.List())
		}
		time.Sleep(time.Millisecond)
	}
	if m.Status() != "No jobs are running." {
		t.Errorf("Status() = %q", m.Status())
	}

	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(messages, "|")
	for _, want := range []string{"running:ok", "done:ok", "error:bad:boom"} {
		if !strings.Contains(joined, want) {
			t.Errorf("reports %q missing %q", joined, want)
		}
	}
}

func TestStopAllCancelsAndWaits(t *testing.T) {
	m := NewManager(context.Background(), nil)
	var stopped sync.WaitGroup
	for _, name := range []string{"b", "a"} {
		stopped.Add(1)
		_ = m.StartAsync(name, func(ctx context.Context) error {
			defer stopped.Done()
			<-ctx.Done()
			return ctx.Err()
		})
	}

	if got := m.Status(); got != "Running jobs: a, b" {
		t.Errorf("Status() = %q", got)
	}
	if !m.Running("a") {
		t.Error("Running(a) = false")
	}

	m.StopAll()
	stopped.Wait()
	if len(m.List()) != 0 {
		t.Errorf("List() = %v after StopAll", m.List())
	}
}

func TestStopByName(t *testing.T) {
	m := NewManager(context.Background(), nil)
	defer m.StopAll()

	cancelled := make(chan struct{})
	_ = m.StartAsync("wait", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return nil
	})

	if err := m.Stop("wait"); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	<-cancelled
	if err := m.Stop("wait"); err == nil {
		t.Error("Stop of a finished job succeeded")
	}
}

func TestCancelledParentRefusesJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewManager(ctx, nil)

	if err := m.StartAsync("late", func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("StartAsync error = %v, want context.Canceled", err)
	}
}
