// Package dispatcher drives one voice connection and one audio player for a
// single channel: it keeps the connection alive across drops, forwards player
// lifecycle events and exposes the playback controls.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keshon/voice-dispatcher/internal/music/player"
	"github.com/keshon/voice-dispatcher/internal/music/stream"
	"github.com/keshon/voice-dispatcher/internal/music/voice"
	"github.com/keshon/voice-dispatcher/pkg/jobmgr"
	"github.com/keshon/voice-dispatcher/pkg/util"
)

const (
	// MaxRejoinAttempts is how many backoff rejoins are tried before the
	// connection is destroyed.
	MaxRejoinAttempts = 5
	rejoinStep        = 5 * time.Second

	// MovedTimeout bounds the wait for the transport to reconnect by itself
	// after the session was moved.
	MovedTimeout = 5 * time.Second
	// ReadyTimeout bounds every wait for the connection to become Ready.
	ReadyTimeout = 20 * time.Second

	defaultVolume = 100
)

var ErrStreamUnavailable = errors.New("no stream available to play")

// RejoinDelay returns the backoff before the next rejoin, given how many
// rejoins were already attempted. ok is false once attempts are exhausted.
func RejoinDelay(attempts int) (delay time.Duration, ok bool) {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= MaxRejoinAttempts {
		return 0, false
	}
	return time.Duration(attempts+1) * rejoinStep, true
}

// AudioPlayer is the player surface the dispatcher drives.
type AudioPlayer interface {
	voice.Publisher
	Play(res *stream.Resource)
	Stop() bool
	Pause(interpolateSilence bool) bool
	Unpause() bool
	Status() player.Status
	Resource() *stream.Resource
	OnStateChange(fn player.StateHandler) func()
	OnDebug(fn func(string)) func()
	OnError(fn func(error)) func()
	Close()
}

var _ AudioPlayer = (*player.Player)(nil)

type Option func(*Dispatcher)

// WithPlayer uses p instead of a freshly created player.
func WithPlayer(p AudioPlayer) Option {
	return func(d *Dispatcher) { d.player = p }
}

// WithClock replaces the clock used for backoff and state waits.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithMovedCloseCodes sets which websocket close codes mean the session was
// moved on purpose and should not be retried with backoff.
func WithMovedCloseCodes(codes ...int) Option {
	return func(d *Dispatcher) {
		if len(codes) > 0 {
			d.movedCodes = slices.Clone(codes)
		}
	}
}

// WithPlayerOptions configures the player created by New.
func WithPlayerOptions(opts ...player.Option) Option {
	return func(d *Dispatcher) { d.playerOpts = append(d.playerOpts, opts...) }
}

// Dispatcher owns the player and the current resource of one voice channel.
type Dispatcher struct {
	conn       voice.Connection
	channelID  string
	player     AudioPlayer
	playerOpts []player.Option
	clock      clock.Clock
	movedCodes []int

	mu        sync.Mutex
	resource  *stream.Resource
	rejoinJob string

	// readyLock admits a single "wait for Ready" at a time.
	readyLock atomic.Bool
	jobSeq    atomic.Uint64
	jobs      *jobmgr.Manager
	cancel    context.CancelFunc

	handlers util.Handlers[EventHandler]
	unbind   []func()
	log      zerolog.Logger
}

// New binds a dispatcher to conn and subscribes its player to it.
func New(conn voice.Connection, channelID string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:       conn,
		channelID:  channelID,
		clock:      clock.New(),
		movedCodes: []int{voice.CloseCodeMoved},
		log: log.With().
			Str("component", "dispatcher").
			Str("channel", channelID).
			Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.player == nil {
		d.player = player.New(d.playerOpts...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.jobs = jobmgr.NewManager(ctx, func(msg string) {
		d.log.Debug().Str("job", msg).Msg("Background job")
	})

	d.unbind = []func(){
		conn.OnStateChange(d.onConnectionStateChange),
		d.player.OnStateChange(d.onPlayerStateChange),
		d.player.OnDebug(func(msg string) {
			d.emit(Event{Type: EventDebug, Message: msg})
		}),
		d.player.OnError(func(err error) {
			d.emit(Event{Type: EventError, Err: err})
		}),
	}
	conn.Subscribe(d.player)

	return d
}

// AddHandler registers fn for every dispatcher event.
func (d *Dispatcher) AddHandler(fn EventHandler) (remove func()) {
	return d.handlers.Add(fn)
}

func (d *Dispatcher) ChannelID() string { return d.channelID }

// Close stops background waits and the player and releases the current
// resource. The connection is left alone; call Disconnect first to leave the
// channel.
func (d *Dispatcher) Close() {
	for _, fn := range d.unbind {
		fn()
	}
	d.cancel()
	d.jobs.StopAll()
	d.player.Close()

	d.mu.Lock()
	res := d.resource
	d.resource = nil
	d.mu.Unlock()
	if res != nil {
		_ = res.Close()
	}
}

func (d *Dispatcher) onConnectionStateChange(oldState, newState voice.State) {
	d.log.Debug().Str("from", oldState.String()).Str("to", newState.String()).Msg("Connection state change")

	switch newState.Status {
	case voice.StatusDisconnected:
		d.handleDisconnect(newState)
	case voice.StatusDestroyed:
		d.cancelRejoin()
		d.player.Stop()
	case voice.StatusConnecting, voice.StatusSignalling:
		d.awaitReady()
	}
}

func (d *Dispatcher) handleDisconnect(state voice.State) {
	if state.Reason == voice.ReasonWebSocketClose && slices.Contains(d.movedCodes, state.CloseCode) {
		d.startJob("await-connecting", func(ctx context.Context) error {
			wctx, cancel := d.clock.WithTimeout(ctx, MovedTimeout)
			defer cancel()

			err := voice.EntersState(wctx, d.conn, voice.StatusConnecting)
			if err != nil && ctx.Err() == nil {
				d.log.Info().Int("code", state.CloseCode).Msg("Session moved and did not reconnect, destroying connection")
				d.destroy()
			}
			return err
		})
		return
	}

	attempts := d.conn.RejoinAttempts()
	delay, ok := RejoinDelay(attempts)
	if !ok {
		d.log.Warn().Int("attempts", attempts).Msg("Rejoin attempts exhausted, destroying connection")
		d.destroy()
		return
	}

	d.log.Info().Int("attempt", attempts+1).Dur("delay", delay).Msg("Scheduling rejoin")
	name, ok := d.startJob("rejoin", func(ctx context.Context) error {
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
		if !d.conn.Rejoin() {
			return errors.New("connection refused to rejoin")
		}
		return nil
	})
	if ok {
		d.mu.Lock()
		d.rejoinJob = name
		d.mu.Unlock()
	}
}

// cancelRejoin drops a scheduled rejoin that has not fired yet.
func (d *Dispatcher) cancelRejoin() {
	d.mu.Lock()
	name := d.rejoinJob
	d.rejoinJob = ""
	d.mu.Unlock()

	if name != "" && d.jobs.Running(name) {
		if err := d.jobs.Stop(name); err == nil {
			d.log.Debug().Str("job", name).Msg("Cancelled pending rejoin")
		}
	}
}

// awaitReady gives a connecting session ReadyTimeout to become Ready.
func (d *Dispatcher) awaitReady() {
	if !d.readyLock.CompareAndSwap(false, true) {
		return
	}

	_, started := d.startJob("await-ready", func(ctx context.Context) error {
		defer d.readyLock.Store(false)

		wctx, cancel := d.clock.WithTimeout(ctx, ReadyTimeout)
		defer cancel()

		err := voice.EntersState(wctx, d.conn, voice.StatusReady)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if d.conn.State().Status != voice.StatusDestroyed {
			d.log.Warn().Err(err).Msg("Connection did not become ready, destroying")
			d.destroy()
		}
		return err
	})
	if !started {
		d.readyLock.Store(false)
	}
}

func (d *Dispatcher) onPlayerStateChange(oldState, newState player.State) {
	switch {
	case newState.Status == player.StatusIdle && oldState.Status != player.StatusIdle && !oldState.Status.IsPaused():
		d.mu.Lock()
		if d.resource == oldState.Resource || oldState.Resource == nil {
			d.resource = nil
		}
		d.mu.Unlock()
		d.emit(Event{Type: EventFinish, Resource: oldState.Resource})

	case newState.Status == player.StatusPlaying && oldState.Status != player.StatusPlaying && !oldState.Status.IsPaused():
		d.emit(Event{Type: EventStart, Resource: newState.Resource})
	}
}

// CreateStream wraps src in a resource with inline volume and makes it the
// current one. A previous resource that is not playing is released.
func (d *Dispatcher) CreateStream(src stream.Source, opts stream.Options) (*stream.Resource, error) {
	opts.InlineVolume = true
	res, err := stream.NewResource(src, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	d.mu.Lock()
	old := d.resource
	d.resource = res
	d.mu.Unlock()

	if old != nil && old != d.player.Resource() {
		_ = old.Close()
	}
	return res, nil
}

// PlayStream plays res, or the current resource when res is nil. If the
// connection is not Ready yet it waits up to ReadyTimeout.
func (d *Dispatcher) PlayStream(ctx context.Context, res *stream.Resource) error {
	if res == nil {
		res = d.Resource()
	}
	if res == nil {
		return ErrStreamUnavailable
	}

	if d.conn.State().Status != voice.StatusReady {
		wctx, cancel := d.clock.WithTimeout(ctx, ReadyTimeout)
		defer cancel()
		if err := voice.EntersState(wctx, d.conn, voice.StatusReady); err != nil {
			return fmt.Errorf("voice connection not ready: %w", err)
		}
	}

	d.mu.Lock()
	old := d.resource
	d.resource = res
	d.mu.Unlock()

	if old != nil && old != res && old != d.player.Resource() {
		_ = old.Close()
	}
	d.player.Play(res)
	return nil
}

func (d *Dispatcher) Pause(interpolateSilence bool) bool {
	return d.player.Pause(interpolateSilence)
}

func (d *Dispatcher) Resume() bool {
	return d.player.Unpause()
}

// End stops playback. The finish event fires as usual.
func (d *Dispatcher) End() {
	d.player.Stop()
}

// Disconnect destroys the connection. Calling it again is a no-op.
func (d *Dispatcher) Disconnect() {
	d.destroy()
}

// SetVolume sets the volume in percent (100 = unchanged). Values that are
// negative or not finite are rejected, as is any call without a resource.
func (d *Dispatcher) SetVolume(value float64) bool {
	res := d.Resource()
	if res == nil || res.Volume == nil {
		return false
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return false
	}
	res.Volume.SetVolumeLogarithmic(value / 100)
	return true
}

// Volume reports the current volume in percent.
func (d *Dispatcher) Volume() float64 {
	res := d.Resource()
	if res == nil || res.Volume == nil {
		return defaultVolume
	}
	return res.Volume.VolumeLogarithmic() * 100
}

// StreamTime is how long the current resource has been playing.
func (d *Dispatcher) StreamTime() time.Duration {
	res := d.Resource()
	if res == nil {
		return 0
	}
	return res.PlaybackDuration()
}

func (d *Dispatcher) Paused() bool {
	return d.player.Status().IsPaused()
}

func (d *Dispatcher) Status() player.Status {
	return d.player.Status()
}

// Jobs describes the background waits in flight.
func (d *Dispatcher) Jobs() string {
	return d.jobs.Status()
}

// Resource returns the current resource, or nil.
func (d *Dispatcher) Resource() *stream.Resource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resource
}

func (d *Dispatcher) destroy() {
	if err := d.conn.Destroy(); err != nil && !errors.Is(err, voice.ErrAlreadyDestroyed) {
		d.log.Warn().Err(err).Msg("Failed to destroy voice connection")
	}
}

// startJob runs fn in the background under a unique job name.
func (d *Dispatcher) startJob(kind string, fn func(ctx context.Context) error) (string, bool) {
	name := fmt.Sprintf("%s#%d", kind, d.jobSeq.Add(1))
	if err := d.jobs.StartAsync(name, fn); err != nil {
		d.log.Debug().Err(err).Msg("Background job not started")
		return "", false
	}
	return name, true
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) error {
	t := d.clock.Timer(delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
