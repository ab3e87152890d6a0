// Package session plays a queue of resolved tracks through a dispatcher, one
// after another.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keshon/voice-dispatcher/internal/music/dispatcher"
	"github.com/keshon/voice-dispatcher/internal/music/player"
	"github.com/keshon/voice-dispatcher/internal/music/sources"
	"github.com/keshon/voice-dispatcher/internal/music/stream"
	"github.com/keshon/voice-dispatcher/internal/music/voice"
)

var (
	ErrNoTrackPlaying = errors.New("no track is currently playing")
	ErrInvalidVolume  = errors.New("volume must be a finite, non-negative number")
)

// Controller is the dispatcher surface a session drives.
type Controller interface {
	AddHandler(fn dispatcher.EventHandler) (remove func())
	CreateStream(src stream.Source, opts stream.Options) (*stream.Resource, error)
	PlayStream(ctx context.Context, res *stream.Resource) error
	SetVolume(value float64) bool
	Pause(interpolateSilence bool) bool
	Resume() bool
	End()
	StreamTime() time.Duration
	Status() player.Status
	Jobs() string
}

var _ Controller = (*dispatcher.Dispatcher)(nil)

type Resolver interface {
	Resolve(ctx context.Context, input string) ([]sources.Track, error)
}

type Option func(*Session)

// WithStreamOptions sets the options every track's resource is created with.
// Metadata is always the track itself.
func WithStreamOptions(opts stream.Options) Option {
	return func(s *Session) { s.streamOpts = opts }
}

// WithVolume sets the starting volume in percent.
func WithVolume(v float64) Option {
	return func(s *Session) { s.volume = v }
}

// Session owns the queue. The volume survives track changes.
type Session struct {
	ctrl       Controller
	resolver   Resolver
	streamOpts stream.Options
	log        zerolog.Logger

	mu       sync.Mutex
	queue    []sources.Track
	history  []sources.Track
	current  *sources.Track
	volume   float64
	wake     chan struct{}
	finished chan *stream.Resource
	// endTrack is closed when the current track is skipped or stopped.
	endTrack chan struct{}
	unbind   func()
}

func New(ctrl Controller, resolver Resolver, opts ...Option) *Session {
	s := &Session{
		ctrl:     ctrl,
		resolver: resolver,
		volume:   100,
		wake:     make(chan struct{}, 1),
		finished: make(chan *stream.Resource, 8),
		log:      log.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.unbind = ctrl.AddHandler(s.onEvent)
	return s
}

// Close detaches the session from its dispatcher.
func (s *Session) Close() {
	s.unbind()
}

func (s *Session) onEvent(e dispatcher.Event) {
	switch e.Type {
	case dispatcher.EventFinish:
		select {
		case s.finished <- e.Resource:
		default:
			s.log.Debug().Msg("Finish event dropped, nobody is waiting")
		}
	case dispatcher.EventStart:
		if t, ok := trackOf(e.Resource); ok {
			s.log.Info().Str("title", t.Title).Str("source", t.SourceName).Msg("Now playing")
		}
	case dispatcher.EventError:
		s.log.Warn().Err(e.Err).Msg("Playback error")
	case dispatcher.EventDebug:
		s.log.Trace().Msg(e.Message)
	}
}

// Enqueue resolves input and appends the resulting tracks. It returns how
// many were added.
func (s *Session) Enqueue(ctx context.Context, input string) (int, error) {
	tracks, err := s.resolver.Resolve(ctx, input)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.queue = append(s.queue, tracks...)
	queued := len(s.queue)
	s.mu.Unlock()

	s.log.Info().Int("added", len(tracks)).Int("queue", queued).Str("input", input).Msg("Tracks added")
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return len(tracks), nil
}

// Run plays queued tracks until ctx ends or the voice connection is gone.
// Tracks that fail to start are skipped.
func (s *Session) Run(ctx context.Context) error {
	for {
		track, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}

		err := s.play(ctx, track)
		s.mu.Lock()
		s.current = nil
		s.endTrack = nil
		s.mu.Unlock()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, voice.ErrDestroyed):
			return err
		case err != nil:
			s.log.Warn().Err(err).Str("title", track.Title).Msg("Skipping track")
		}
	}
}

func (s *Session) play(ctx context.Context, track sources.Track) error {
	opts := s.streamOpts
	opts.Metadata = track
	opts.Duration = track.Duration

	res, err := s.ctrl.CreateStream(stream.LocatorSource(track.Locator), opts)
	if err != nil {
		return err
	}

	s.drainFinished()

	ended := make(chan struct{})
	s.mu.Lock()
	s.current = &track
	s.history = append(s.history, track)
	s.endTrack = ended
	volume := s.volume
	s.mu.Unlock()

	s.ctrl.SetVolume(volume)
	if err := s.ctrl.PlayStream(ctx, res); err != nil {
		_ = res.Close()
		return fmt.Errorf("failed to play %q: %w", track.Title, err)
	}

	for {
		select {
		case <-ctx.Done():
			s.ctrl.End()
			return ctx.Err()
		case <-ended:
			return nil
		case done := <-s.finished:
			if done == res {
				return nil
			}
		}
	}
}

// drainFinished drops finish events left over from earlier tracks.
func (s *Session) drainFinished() {
	for {
		select {
		case <-s.finished:
		default:
			return
		}
	}
}

func (s *Session) next() (sources.Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return sources.Track{}, false
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t, true
}

// Skip ends the current track, paused or not; the next one starts right
// away.
func (s *Session) Skip() error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNoTrackPlaying
	}
	ended := s.endTrack
	s.endTrack = nil
	s.mu.Unlock()

	s.endCurrent(ended)
	return nil
}

// Stop clears the queue and ends the current track.
func (s *Session) Stop() {
	s.mu.Lock()
	s.queue = nil
	ended := s.endTrack
	s.endTrack = nil
	s.mu.Unlock()

	s.endCurrent(ended)
}

// endCurrent stops playback, then releases the track waiting in play. A
// paused player ends without a finish event.
func (s *Session) endCurrent(ended chan struct{}) {
	s.ctrl.End()
	if ended != nil {
		close(ended)
	}
}

func (s *Session) Pause() error {
	if !s.ctrl.Pause(true) {
		return ErrNoTrackPlaying
	}
	return nil
}

func (s *Session) Resume() error {
	if !s.ctrl.Resume() {
		return errors.New("playback is not paused")
	}
	return nil
}

// SetVolume applies v in percent to the current track and every later one.
func (s *Session) SetVolume(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return ErrInvalidVolume
	}
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()

	s.ctrl.SetVolume(v)
	return nil
}

func (s *Session) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Current returns the track being played, or nil.
func (s *Session) Current() *sources.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	t := *s.current
	return &t
}

func (s *Session) Queue() []sources.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queue)
}

func (s *Session) History() []sources.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Status summarises the playback state for display.
type Status struct {
	Player  player.Status
	Current *sources.Track
	Elapsed time.Duration
	Volume  float64
	Queued  int
	Jobs    string
}

func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Volume: s.volume,
		Queued: len(s.queue),
	}
	if s.current != nil {
		t := *s.current
		st.Current = &t
	}
	s.mu.Unlock()

	st.Player = s.ctrl.Status()
	st.Elapsed = s.ctrl.StreamTime()
	st.Jobs = s.ctrl.Jobs()
	return st
}

func trackOf(res *stream.Resource) (sources.Track, bool) {
	if res == nil {
		return sources.Track{}, false
	}
	t, ok := res.Metadata.(sources.Track)
	return t, ok
}
