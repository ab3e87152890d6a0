package player

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/keshon/voice-dispatcher/internal/music/stream"
	"github.com/keshon/voice-dispatcher/internal/music/voice"
	"github.com/keshon/voice-dispatcher/pkg/util"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusBuffering  Status = "buffering"
	StatusPlaying    Status = "playing"
	StatusPaused     Status = "paused"
	StatusAutoPaused Status = "autopaused"
)

// IsPaused reports whether s is a user or automatic pause.
func (s Status) IsPaused() bool {
	return s == StatusPaused || s == StatusAutoPaused
}

// NoSubscriberBehavior decides what happens while playing with no ready sink.
type NoSubscriberBehavior int

const (
	BehaviorPause NoSubscriberBehavior = iota
	BehaviorPlay
	BehaviorStop
)

// silenceFrames is how many silence packets a pause interpolates.
const silenceFrames = 5

const defaultMaxMissedFrames = 250

// State is a snapshot of the player. Resource is nil while Idle.
type State struct {
	Status   Status
	Resource *stream.Resource

	silenceRemaining int
}

func (s State) String() string {
	return string(s.Status)
}

type StateHandler func(oldState, newState State)

// PlaybackError is reported when the current resource fails mid-playback.
type PlaybackError struct {
	Resource *stream.Resource
	Err      error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback error: %v", e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

type Option func(*Player)

func WithNoSubscriberBehavior(b NoSubscriberBehavior) Option {
	return func(p *Player) { p.behavior = b }
}

// WithMaxMissedFrames stops playback after n consecutive frames without data.
func WithMaxMissedFrames(n int) Option {
	return func(p *Player) { p.maxMissed = n }
}

// WithClock replaces the clock driving the frame loop.
func WithClock(c clock.Clock) Option {
	return func(p *Player) { p.clock = c }
}

// Player feeds opus frames from the current resource to its sinks every 20ms.
// State handlers run in the order transitions are committed and must not
// call back into the player.
type Player struct {
	// transition is held from committing a state change until its
	// handlers have run.
	transition sync.Mutex

	mu     sync.Mutex
	state  State
	sinks  []voice.Sink
	missed int

	behavior  NoSubscriberBehavior
	maxMissed int
	clock     clock.Clock

	stateHandlers util.Handlers[StateHandler]
	debugHandlers util.Handlers[func(string)]
	errorHandlers util.Handlers[func(error)]

	slowSink rate.Sometimes
	log      zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

var _ voice.Publisher = (*Player)(nil)

// New creates an idle player and starts its frame loop.
func New(opts ...Option) *Player {
	p := &Player{
		state:     State{Status: StatusIdle},
		behavior:  BehaviorPause,
		maxMissed: defaultMaxMissedFrames,
		clock:     clock.New(),
		slowSink:  rate.Sometimes{Interval: time.Second},
		log:       log.With().Str("component", "player").Logger(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	ticker := p.clock.Ticker(stream.FrameDuration)
	go p.run(ticker)
	return p
}

func (p *Player) run(ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// Close stops playback and the frame loop.
func (p *Player) Close() {
	p.closeOnce.Do(func() {
		p.Stop()
		close(p.done)
	})
}

func (p *Player) OnStateChange(fn StateHandler) func() { return p.stateHandlers.Add(fn) }
func (p *Player) OnDebug(fn func(string)) func()       { return p.debugHandlers.Add(fn) }
func (p *Player) OnError(fn func(error)) func()        { return p.errorHandlers.Add(fn) }

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) Status() Status {
	return p.State().Status
}

// Resource returns the resource being played, or nil.
func (p *Player) Resource() *stream.Resource {
	return p.State().Resource
}

func (p *Player) AddSink(s voice.Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !slices.Contains(p.sinks, s) {
		p.sinks = append(p.sinks, s)
	}
}

func (p *Player) RemoveSink(s voice.Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = slices.DeleteFunc(slices.Clone(p.sinks), func(x voice.Sink) bool { return x == s })
}

// Play replaces the current resource with res. The previous one is closed.
func (p *Player) Play(res *stream.Resource) {
	if res == nil {
		p.Stop()
		return
	}

	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	prev := p.state
	next := State{Status: StatusBuffering, Resource: res}
	p.state = next
	p.missed = 0
	p.mu.Unlock()

	p.log.Debug().Str("source", res.Source().String()).Msg("Play requested")
	p.afterTransition(prev, next)
}

// Stop returns the player to Idle. It reports false if it already was.
func (p *Player) Stop() bool {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	prev := p.state
	if prev.Status == StatusIdle {
		p.mu.Unlock()
		return false
	}
	next := State{Status: StatusIdle}
	p.state = next
	p.mu.Unlock()

	p.afterTransition(prev, next)
	return true
}

// Pause pauses a playing player. With interpolateSilence a few silence
// frames are sent first so the receiving side does not glitch.
func (p *Player) Pause(interpolateSilence bool) bool {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	prev := p.state
	if prev.Status != StatusPlaying {
		p.mu.Unlock()
		return false
	}
	next := prev
	next.Status = StatusPaused
	next.silenceRemaining = 0
	if interpolateSilence {
		next.silenceRemaining = silenceFrames
	}
	p.state = next
	p.mu.Unlock()

	p.afterTransition(prev, next)
	return true
}

// Unpause resumes a user-paused player.
func (p *Player) Unpause() bool {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	prev := p.state
	if prev.Status != StatusPaused {
		p.mu.Unlock()
		return false
	}
	next := prev
	next.Status = StatusPlaying
	next.silenceRemaining = 0
	p.state = next
	p.missed = 0
	p.mu.Unlock()

	p.afterTransition(prev, next)
	return true
}

// tick advances playback by one frame.
func (p *Player) tick() {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	prev := p.state
	ready := p.readySinks()
	next := prev

	if prev.Status == StatusIdle {
		p.mu.Unlock()
		return
	}

	if prev.Status == StatusPaused {
		if prev.silenceRemaining == 0 {
			p.mu.Unlock()
			return
		}
		next.silenceRemaining--
		p.state = next
		p.mu.Unlock()

		p.dispatch(ready, stream.SilenceFrame)
		if next.silenceRemaining == 0 {
			setSpeaking(ready, false)
		}
		return
	}

	if prev.Status == StatusAutoPaused && len(ready) > 0 {
		next.Status = StatusPlaying
		p.missed = 0
	}

	if next.Status == StatusPlaying && len(ready) == 0 {
		switch p.behavior {
		case BehaviorPause:
			next.Status = StatusAutoPaused
		case BehaviorStop:
			next = State{Status: StatusIdle}
		}
	}

	var (
		packet  []byte
		readErr error
	)
	if next.Status == StatusBuffering && !next.Resource.Readable() && !next.Resource.Ended() {
		p.mu.Unlock()
		return
	}
	if next.Status == StatusBuffering || next.Status == StatusPlaying {
		pkt, err := next.Resource.Read()
		switch {
		case errors.Is(err, io.EOF):
			next = State{Status: StatusIdle}
		case err != nil:
			readErr = err
			next = State{Status: StatusIdle}
		case pkt == nil:
			if next.Status == StatusPlaying {
				p.missed++
				if p.maxMissed > 0 && p.missed > p.maxMissed {
					next = State{Status: StatusIdle}
				}
			}
		default:
			p.missed = 0
			next.Status = StatusPlaying
			packet = pkt
		}
	}
	p.state = next
	missed := p.missed
	p.mu.Unlock()

	if readErr != nil {
		p.emitError(&PlaybackError{Resource: prev.Resource, Err: readErr})
	}
	if next.Status == StatusIdle && readErr == nil && missed > p.maxMissed && p.maxMissed > 0 {
		p.emitDebug(fmt.Sprintf("stopping after %d missed frames", missed))
	}
	if prev.Status != next.Status || prev.Resource != next.Resource {
		p.afterTransition(prev, next)
	}
	if packet != nil && next.Status == StatusPlaying {
		p.dispatch(ready, packet)
	}
}

// afterTransition runs side effects of a committed state change and
// notifies listeners.
func (p *Player) afterTransition(prev, next State) {
	if prev.Resource != nil && prev.Resource != next.Resource {
		if err := prev.Resource.Close(); err != nil {
			p.log.Debug().Err(err).Msg("Failed to close previous resource")
		}
	}

	switch {
	case next.Status == StatusPlaying && prev.Status != StatusPlaying:
		setSpeaking(p.currentReadySinks(), true)
	case prev.Status == StatusPlaying && next.Status != StatusPlaying && next.silenceRemaining == 0:
		setSpeaking(p.currentReadySinks(), false)
	}

	if p.debugging() {
		p.emitDebug(fmt.Sprintf("state change: from %s to %s", prev, next))
	}
	for _, fn := range p.stateHandlers.All() {
		fn(prev, next)
	}
}

func (p *Player) dispatch(sinks []voice.Sink, packet []byte) {
	for _, s := range sinks {
		if !s.SendOpus(packet) {
			p.slowSink.Do(func() {
				p.emitDebug("sink is not keeping up, dropping frames")
			})
		}
	}
}

// readySinks must be called with p.mu held.
func (p *Player) readySinks() []voice.Sink {
	out := make([]voice.Sink, 0, len(p.sinks))
	for _, s := range p.sinks {
		if s.Ready() {
			out = append(out, s)
		}
	}
	return out
}

func (p *Player) currentReadySinks() []voice.Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readySinks()
}

func setSpeaking(sinks []voice.Sink, speaking bool) {
	for _, s := range sinks {
		s.Speaking(speaking)
	}
}

// debugging reports whether a debug message would reach anyone.
func (p *Player) debugging() bool {
	if p.debugHandlers.Len() > 0 {
		return true
	}
	return p.log.GetLevel() <= zerolog.DebugLevel && zerolog.GlobalLevel() <= zerolog.DebugLevel
}

func (p *Player) emitDebug(msg string) {
	p.log.Debug().Msg(msg)
	for _, fn := range p.debugHandlers.All() {
		fn(msg)
	}
}

func (p *Player) emitError(err error) {
	p.log.Warn().Err(err).Msg("Playback failed")
	for _, fn := range p.errorHandlers.All() {
		fn(err)
	}
}
