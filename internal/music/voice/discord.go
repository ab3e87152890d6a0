package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keshon/voice-dispatcher/pkg/util"
)

const readyPollInterval = 250 * time.Millisecond

// joinFunc opens a voice connection to a channel of the guild.
type joinFunc func(channelID string) (*discordgo.VoiceConnection, error)

// DiscordConnection adapts a discordgo voice connection to Connection and Sink.
type DiscordConnection struct {
	guildID string
	join    joinFunc
	log     zerolog.Logger

	mu        sync.RWMutex
	channelID string
	vc        *discordgo.VoiceConnection
	state     State
	attempts  int
	publisher Publisher

	handlers  util.Handlers[StateHandler]
	removeVSU func()
	stop      chan struct{}
	stopOnce  sync.Once
}

var _ Connection = (*DiscordConnection)(nil)
var _ Sink = (*DiscordConnection)(nil)

// Join connects to a voice channel and returns once the connection is Ready.
// On failure the connection is destroyed and the error returned.
func Join(ctx context.Context, s *discordgo.Session, guildID, channelID string) (*DiscordConnection, error) {
	if s == nil {
		return nil, errors.New("discord session is nil")
	}

	c := &DiscordConnection{
		guildID: guildID,
		join: func(channelID string) (*discordgo.VoiceConnection, error) {
			return s.ChannelVoiceJoin(guildID, channelID, false, true)
		},
		channelID: channelID,
		state:     State{Status: StatusSignalling},
		stop:      make(chan struct{}),
		log: log.With().
			Str("component", "voice").
			Str("guild", guildID).
			Logger(),
	}
	c.removeVSU = s.AddHandler(c.onVoiceStateUpdate)
	go c.monitor()

	if err := c.connect(ctx); err != nil {
		_ = c.Destroy()
		return nil, err
	}
	return c, nil
}

// connect runs one join attempt. The discordgo join blocks until the voice
// websocket and UDP handshake finish or its own timeout elapses.
func (c *DiscordConnection) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	channelID := c.channelID
	destroyed := c.state.Status == StatusDestroyed
	if !destroyed {
		c.vc = nil
	}
	c.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}

	c.setState(State{Status: StatusConnecting})
	c.log.Debug().Str("channel", channelID).Msg("Joining voice channel")

	vc, err := c.join(channelID)
	if err != nil {
		c.log.Warn().Err(err).Str("channel", channelID).Msg("Voice join failed")
		c.setState(State{Status: StatusDisconnected, Reason: ReasonAdapterUnavailable})
		return fmt.Errorf("failed to join voice channel: %w", err)
	}

	c.mu.Lock()
	if c.state.Status == StatusDestroyed {
		c.mu.Unlock()
		_ = vc.Disconnect()
		return ErrDestroyed
	}
	c.vc = vc
	c.mu.Unlock()

	c.setState(State{Status: StatusReady})
	c.log.Info().Str("channel", channelID).Msg("Joined voice channel")
	return nil
}

// State returns the current connection state.
func (c *DiscordConnection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RejoinAttempts returns how many rejoins happened since the last Ready.
func (c *DiscordConnection) RejoinAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// OnStateChange registers fn for every status transition.
func (c *DiscordConnection) OnStateChange(fn StateHandler) func() {
	return c.handlers.Add(fn)
}

// Rejoin starts a new join attempt in the background. It returns false once
// the connection has been destroyed.
func (c *DiscordConnection) Rejoin() bool {
	c.mu.Lock()
	if c.state.Status == StatusDestroyed {
		c.mu.Unlock()
		return false
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.log.Info().Int("attempt", attempt).Msg("Rejoining voice channel")
	c.setState(State{Status: StatusSignalling})

	go func() {
		if err := c.connect(context.Background()); err != nil {
			c.log.Debug().Err(err).Int("attempt", attempt).Msg("Rejoin attempt failed")
		}
	}()
	return true
}

// Destroy leaves the voice channel for good.
func (c *DiscordConnection) Destroy() error {
	c.mu.Lock()
	if c.state.Status == StatusDestroyed {
		c.mu.Unlock()
		return ErrAlreadyDestroyed
	}
	prev := c.state
	c.state = State{Status: StatusDestroyed}
	vc := c.vc
	c.vc = nil
	pub := c.publisher
	c.publisher = nil
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	if c.removeVSU != nil {
		c.removeVSU()
	}
	if pub != nil {
		pub.RemoveSink(c)
	}

	var err error
	if vc != nil {
		_ = vc.Speaking(false)
		if dErr := vc.Disconnect(); dErr != nil {
			err = fmt.Errorf("failed to disconnect voice: %w", dErr)
		}
	}

	c.emit(prev, State{Status: StatusDestroyed})
	c.log.Info().Msg("Voice connection destroyed")
	return err
}

// Subscribe makes p play its audio into this connection.
func (c *DiscordConnection) Subscribe(p Publisher) {
	c.mu.Lock()
	old := c.publisher
	c.publisher = p
	c.mu.Unlock()

	if old != nil && old != p {
		old.RemoveSink(c)
	}
	p.AddSink(c)
}

// Ready reports whether opus frames can be sent.
func (c *DiscordConnection) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Status == StatusReady && c.vc != nil
}

// SendOpus queues one opus frame without blocking. It returns false when the
// frame was dropped.
func (c *DiscordConnection) SendOpus(packet []byte) bool {
	c.mu.RLock()
	vc := c.vc
	c.mu.RUnlock()
	if vc == nil {
		return false
	}

	select {
	case vc.OpusSend <- packet:
		return true
	default:
		return false
	}
}

// Speaking toggles the speaking indicator.
func (c *DiscordConnection) Speaking(speaking bool) {
	c.mu.RLock()
	vc := c.vc
	c.mu.RUnlock()
	if vc == nil {
		return
	}
	if err := vc.Speaking(speaking); err != nil {
		c.log.Debug().Err(err).Bool("speaking", speaking).Msg("Failed to set speaking state")
	}
}

func (c *DiscordConnection) setState(next State) {
	c.mu.Lock()
	prev := c.state
	if prev.Status == StatusDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = next
	if next.Status == StatusReady {
		c.attempts = 0
	}
	c.mu.Unlock()

	c.emit(prev, next)
}

func (c *DiscordConnection) emit(prev, next State) {
	if prev == next {
		return
	}
	c.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("Voice state change")
	for _, fn := range c.handlers.All() {
		fn(prev, next)
	}
}

// onVoiceStateUpdate turns the bot being dropped from the channel into a
// Disconnected state carrying the "moved" close code.
func (c *DiscordConnection) onVoiceStateUpdate(s *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if e == nil || e.VoiceState == nil || e.GuildID != c.guildID {
		return
	}
	if s.State == nil || s.State.User == nil || e.UserID != s.State.User.ID {
		return
	}

	if e.ChannelID == "" {
		c.mu.Lock()
		c.vc = nil
		status := c.state.Status
		c.mu.Unlock()
		if status == StatusDestroyed || status == StatusDisconnected {
			return
		}
		c.setState(State{
			Status:    StatusDisconnected,
			Reason:    ReasonWebSocketClose,
			CloseCode: CloseCodeMoved,
		})
		return
	}

	c.mu.Lock()
	if c.channelID != e.ChannelID {
		c.log.Info().Str("from", c.channelID).Str("to", e.ChannelID).Msg("Moved to another voice channel")
		c.channelID = e.ChannelID
	}
	c.mu.Unlock()
}

// monitor follows discordgo's own reconnect cycle, which only exposes a
// Ready flag on the voice connection.
func (c *DiscordConnection) monitor() {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		c.mu.RLock()
		vc := c.vc
		status := c.state.Status
		c.mu.RUnlock()
		if vc == nil {
			continue
		}

		vc.RLock()
		ready := vc.Ready
		vc.RUnlock()

		switch {
		case status == StatusReady && !ready:
			c.setState(State{Status: StatusConnecting})
		case status == StatusConnecting && ready:
			c.setState(State{Status: StatusReady})
		}
	}
}
