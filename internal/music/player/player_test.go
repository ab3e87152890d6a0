package player

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/keshon/voice-dispatcher/internal/music/stream"
)

type fakeSink struct {
	mu       sync.Mutex
	ready    bool
	packets  [][]byte
	speaking []bool
}

func (s *fakeSink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSink) SendOpus(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, p)
	return true
}

func (s *fakeSink) Speaking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = append(s.speaking, v)
}

func (s *fakeSink) setReady(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = v
}

func (s *fakeSink) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.packets...)
}

func (s *fakeSink) lastSpeaking() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.speaking) == 0 {
		return false, false
	}
	return s.speaking[len(s.speaking)-1], true
}

type byteEncoder struct{}

func (byteEncoder) Encode(_ []int16, data []byte) (int, error) {
	data[0] = 0x01
	return 1, nil
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func newPlayer(t *testing.T, opts ...Option) *Player {
	t.Helper()
	opts = append([]Option{WithClock(clock.NewMock())}, opts...)
	p := New(opts...)
	t.Cleanup(p.Close)
	return p
}

func newResource(t *testing.T, r io.Reader) *stream.Resource {
	t.Helper()
	res, err := stream.NewResource(stream.ReaderSource(r), stream.Options{
		Type:    stream.StreamRaw,
		Encoder: byteEncoder{},
	})
	if err != nil {
		t.Fatalf("NewResource error: %v", err)
	}
	return res
}

// frames returns n frames of raw PCM.
func frames(n int) io.Reader {
	return bytes.NewReader(make([]byte, n*stream.FrameSize*stream.Channels*2))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPlayBuffersThenPlays(t *testing.T) {
	p := newPlayer(t)
	sink := &fakeSink{ready: true}
	p.AddSink(sink)

	res := newResource(t, frames(3))
	p.Play(res)
	if p.Status() != StatusBuffering {
		t.Fatalf("status = %s, want buffering", p.Status())
	}

	waitFor(t, "first packet", res.Readable)
	p.tick()

	if p.Status() != StatusPlaying {
		t.Fatalf("status = %s, want playing", p.Status())
	}
	if len(sink.sent()) != 1 {
		t.Errorf("packets sent = %d, want 1", len(sink.sent()))
	}
	if on, ok := sink.lastSpeaking(); !ok || !on {
		t.Error("speaking was not switched on")
	}
	if res.PlaybackDuration() != stream.FrameDuration {
		t.Errorf("PlaybackDuration() = %v, want %v", res.PlaybackDuration(), stream.FrameDuration)
	}
}

func TestPlayerReturnsToIdleAtEnd(t *testing.T) {
	p := newPlayer(t)
	sink := &fakeSink{ready: true}
	p.AddSink(sink)

	var transitions []Status
	p.OnStateChange(func(_, newState State) {
		transitions = append(transitions, newState.Status)
	})

	res := newResource(t, frames(2))
	p.Play(res)
	waitFor(t, "end of stream", func() bool {
		p.tick()
		return p.Status() == StatusIdle
	})

	if p.Status() != StatusIdle {
		t.Fatalf("status = %s, want idle", p.Status())
	}
	if p.Resource() != nil {
		t.Error("resource still set while idle")
	}
	if len(sink.sent()) != 2 {
		t.Errorf("packets sent = %d, want 2", len(sink.sent()))
	}
	want := []Status{StatusBuffering, StatusPlaying, StatusIdle}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestPauseSendsSilenceThenStopsSpeaking(t *testing.T) {
	p := newPlayer(t)
	sink := &fakeSink{ready: true}
	p.AddSink(sink)

	res := newResource(t, frames(10))
	p.Play(res)
	waitFor(t, "first packet", res.Readable)
	p.tick()

	if !p.Pause(true) {
		t.Fatal("Pause() = false, want true")
	}
	if p.Pause(true) {
		t.Error("second Pause() = true, want false")
	}

	before := len(sink.sent())
	for i := 0; i < silenceFrames+3; i++ {
		p.tick()
	}
	sent := sink.sent()[before:]
	if len(sent) != silenceFrames {
		t.Fatalf("silence frames = %d, want %d", len(sent), silenceFrames)
	}
	for _, pkt := range sent {
		if !bytes.Equal(pkt, stream.SilenceFrame) {
			t.Errorf("paused packet = %x, want silence", pkt)
		}
	}
	if on, _ := sink.lastSpeaking(); on {
		t.Error("still speaking after silence")
	}

	if !p.Unpause() {
		t.Fatal("Unpause() = false, want true")
	}
	if p.Status() != StatusPlaying {
		t.Errorf("status = %s, want playing", p.Status())
	}
}

func TestPauseRequiresPlaying(t *testing.T) {
	p := newPlayer(t)

	if p.Pause(false) {
		t.Error("Pause() on idle player = true")
	}
	if p.Unpause() {
		t.Error("Unpause() on idle player = true")
	}
	if p.Stop() {
		t.Error("Stop() on idle player = true")
	}
}

func TestNoSubscriberPause(t *testing.T) {
	p := newPlayer(t)
	sink := &fakeSink{ready: true}
	p.AddSink(sink)

	res := newResource(t, frames(10))
	p.Play(res)
	waitFor(t, "first packet", res.Readable)
	p.tick()

	sink.setReady(false)
	p.tick()
	if p.Status() != StatusAutoPaused {
		t.Fatalf("status = %s, want autopaused", p.Status())
	}

	sink.setReady(true)
	waitFor(t, "next packet", res.Readable)
	p.tick()
	if p.Status() != StatusPlaying {
		t.Errorf("status = %s, want playing", p.Status())
	}
}

func TestNoSubscriberStop(t *testing.T) {
	p := newPlayer(t, WithNoSubscriberBehavior(BehaviorStop))
	sink := &fakeSink{ready: true}
	p.AddSink(sink)

	res := newResource(t, frames(10))
	p.Play(res)
	waitFor(t, "first packet", res.Readable)
	p.tick()

	p.RemoveSink(sink)
	p.tick()
	if p.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", p.Status())
	}
}

func TestMissedFramesStopPlayback(t *testing.T) {
	p := newPlayer(t, WithMaxMissedFrames(3))
	sink := &fakeSink{ready: true}
	p.AddSink(sink)

	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = pw.Write(make([]byte, stream.FrameSize*stream.Channels*2))
	}()

	res := newResource(t, pr)
	p.Play(res)
	waitFor(t, "first packet", res.Readable)
	p.tick()
	if p.Status() != StatusPlaying {
		t.Fatalf("status = %s, want playing", p.Status())
	}

	for i := 0; i < 4; i++ {
		p.tick()
	}
	if p.Status() != StatusIdle {
		t.Errorf("status = %s, want idle after missed frames", p.Status())
	}
}

func TestReadErrorIsReported(t *testing.T) {
	p := newPlayer(t)
	p.AddSink(&fakeSink{ready: true})

	var got error
	p.OnError(func(err error) { got = err })

	boom := errors.New("boom")
	res := newResource(t, failingReader{err: boom})
	p.Play(res)
	waitFor(t, "stream failure", res.Ended)
	p.tick()

	if p.Status() != StatusIdle {
		t.Fatalf("status = %s, want idle", p.Status())
	}
	var perr *PlaybackError
	if !errors.As(got, &perr) {
		t.Fatalf("error = %v, want *PlaybackError", got)
	}
	if perr.Resource != res {
		t.Error("PlaybackError carries the wrong resource")
	}
	if !errors.Is(got, boom) {
		t.Errorf("error = %v, want it to wrap boom", got)
	}
}

func TestPlayReplacesAndClosesPrevious(t *testing.T) {
	p := newPlayer(t)

	pr, pw := io.Pipe()
	defer pw.Close()
	first := newResource(t, pr)
	p.Play(first)

	second := newResource(t, frames(1))
	p.Play(second)

	if p.Resource() != second {
		t.Error("Play did not switch to the new resource")
	}
	if _, err := pw.Write([]byte{0}); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("write to replaced resource = %v, want ErrClosedPipe", err)
	}
}

func TestStatusIsPaused(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusIdle, false},
		{StatusBuffering, false},
		{StatusPlaying, false},
		{StatusPaused, true},
		{StatusAutoPaused, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsPaused(); got != tt.want {
			t.Errorf("%s.IsPaused() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTransitionsAreNotifiedInCommitOrder(t *testing.T) {
	p := newPlayer(t)
	sink := &fakeSink{ready: true}
	p.AddSink(sink)

	var (
		mu     sync.Mutex
		last   = State{Status: StatusIdle}
		broken string
	)
	p.OnStateChange(func(oldState, newState State) {
		mu.Lock()
		defer mu.Unlock()
		if broken == "" && (oldState.Status != last.Status || oldState.Resource != last.Resource) {
			broken = fmt.Sprintf("%s -> %s notified after %s", oldState, newState, last)
		}
		last = newState
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				p.tick()
			}
		}
	}()

	for i := 0; i < 200; i++ {
		p.Play(newResource(t, frames(2)))
		p.Pause(false)
		p.Unpause()
		p.Stop()
	}
	close(done)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if broken != "" {
		t.Fatal(broken)
	}
	if last.Status != StatusIdle {
		t.Errorf("last notified status = %s, want idle", last.Status)
	}
	if on, _ := sink.lastSpeaking(); on {
		t.Error("speaking left on after Stop")
	}
}
