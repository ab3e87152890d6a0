// Package console exposes playback controls as text commands read from a
// terminal.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keshon/voice-dispatcher/internal/music/session"
	"github.com/keshon/voice-dispatcher/pkg/cmd"
)

// NewRegistry returns a registry holding every playback command bound to s.
func NewRegistry(s *session.Session) *cmd.Registry {
	reg := cmd.NewRegistry(logCommand)

	reg.Register(cmd.New("play", "Queue a link, playlist or file", func(ctx context.Context, inv *cmd.Invocation) error {
		if len(inv.Args) == 0 {
			return errors.New("usage: play <link>")
		}
		total := 0
		for _, arg := range inv.Args {
			n, err := s.Enqueue(ctx, arg)
			if err != nil {
				return err
			}
			total += n
		}
		return reply(inv, "Added %d track(s)", total)
	}), "p", "add")

	reg.Register(cmd.New("pause", "Pause playback", func(_ context.Context, inv *cmd.Invocation) error {
		if err := s.Pause(); err != nil {
			return err
		}
		return reply(inv, "Paused")
	}))

	reg.Register(cmd.New("resume", "Resume paused playback", func(_ context.Context, inv *cmd.Invocation) error {
		if err := s.Resume(); err != nil {
			return err
		}
		return reply(inv, "Resumed")
	}))

	reg.Register(cmd.New("skip", "Skip to the next track", func(_ context.Context, inv *cmd.Invocation) error {
		if err := s.Skip(); err != nil {
			return err
		}
		return reply(inv, "Skipped")
	}), "next")

	reg.Register(cmd.New("stop", "Clear the queue and stop playback", func(_ context.Context, inv *cmd.Invocation) error {
		s.Stop()
		return reply(inv, "Stopped")
	}))

	reg.Register(cmd.New("volume", "Show or set the volume in percent", func(_ context.Context, inv *cmd.Invocation) error {
		if len(inv.Args) == 0 {
			return reply(inv, "Volume: %.0f%%", s.Volume())
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(inv.Arg(0), "%"), 64)
		if err != nil {
			return fmt.Errorf("invalid volume %q", inv.Arg(0))
		}
		if err := s.SetVolume(v); err != nil {
			return err
		}
		return reply(inv, "Volume set to %.0f%%", v)
	}), "vol")

	reg.Register(cmd.New("queue", "List queued tracks", func(_ context.Context, inv *cmd.Invocation) error {
		queue := s.Queue()
		if len(queue) == 0 {
			return reply(inv, "Queue is empty")
		}
		var b strings.Builder
		for i, t := range queue {
			fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, t.Title, t.SourceName)
		}
		return reply(inv, "%s", strings.TrimRight(b.String(), "\n"))
	}), "q")

	reg.Register(cmd.New("status", "Show what is playing", func(_ context.Context, inv *cmd.Invocation) error {
		st := s.Status()
		title := "nothing"
		if st.Current != nil {
			title = st.Current.Title
		}
		return reply(inv, "%s: %s [%s] volume %.0f%%, %d queued\n%s",
			st.Player, title, st.Elapsed.Truncate(time.Second), st.Volume, st.Queued, st.Jobs)
	}))

	reg.Register(cmd.New("help", "List commands", func(_ context.Context, inv *cmd.Invocation) error {
		var b strings.Builder
		for _, c := range reg.All() {
			fmt.Fprintf(&b, "%-8s %s\n", c.Name(), c.Description())
		}
		return reply(inv, "%s", strings.TrimRight(b.String(), "\n"))
	}), "h")

	return reg
}

// Run reads commands line by line from in until ctx ends or in is exhausted.
// Replies and errors go to out.
func Run(ctx context.Context, reg *cmd.Registry, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := reg.Dispatch(ctx, line, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func reply(inv *cmd.Invocation, format string, args ...any) error {
	w, ok := inv.Data.(io.Writer)
	if !ok {
		return nil
	}
	_, err := fmt.Fprintf(w, format+"\n", args...)
	return err
}

func logCommand(c cmd.Command) cmd.Command {
	return cmd.Wrap(c, func(ctx context.Context, inv *cmd.Invocation) error {
		start := time.Now()
		err := c.Run(ctx, inv)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("component", "console").
			Str("command", c.Name()).
			Strs("args", inv.Args).
			Dur("took", time.Since(start)).
			Msg("Command executed")
		return err
	})
}
