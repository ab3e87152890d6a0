package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

type recordingPublisher struct {
	mu      sync.Mutex
	added   int
	removed int
}

func (p *recordingPublisher) AddSink(Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added++
}

func (p *recordingPublisher) RemoveSink(Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed++
}

type transitions struct {
	mu   sync.Mutex
	seen []State
}

func (tr *transitions) record(_, newState State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.seen = append(tr.seen, newState)
}

func (tr *transitions) all() []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]State(nil), tr.seen...)
}

var errNoGateway = errors.New("no gateway")

// newTestConnection returns a Ready connection without a voice transport
// whose joins fail.
func newTestConnection(t *testing.T) (*DiscordConnection, *discordgo.Session, *transitions) {
	t.Helper()
	s := &discordgo.Session{State: discordgo.NewState()}
	s.State.User = &discordgo.User{ID: "bot"}

	c := &DiscordConnection{
		guildID:   "guild",
		channelID: "channel",
		join: func(string) (*discordgo.VoiceConnection, error) {
			return nil, errNoGateway
		},
		state: State{Status: StatusReady},
		stop:  make(chan struct{}),
		log:   zerolog.Nop(),
	}
	tr := &transitions{}
	c.OnStateChange(tr.record)
	return c, s, tr
}

func voiceUpdate(guildID, userID, channelID string) *discordgo.VoiceStateUpdate {
	return &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{
		GuildID:   guildID,
		UserID:    userID,
		ChannelID: channelID,
	}}
}

func TestBotLeavingChannelMapsToMovedClose(t *testing.T) {
	c, s, tr := newTestConnection(t)

	c.onVoiceStateUpdate(s, voiceUpdate("guild", "bot", ""))

	want := State{Status: StatusDisconnected, Reason: ReasonWebSocketClose, CloseCode: CloseCodeMoved}
	if got := c.State(); got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}
	if seen := tr.all(); len(seen) != 1 || seen[0] != want {
		t.Errorf("transitions = %v, want [%v]", seen, want)
	}

	// a second leave while already disconnected is not reported again
	c.onVoiceStateUpdate(s, voiceUpdate("guild", "bot", ""))
	if n := len(tr.all()); n != 1 {
		t.Errorf("transitions = %d after repeated leave, want 1", n)
	}
}

func TestVoiceStateUpdatesForOthersAreIgnored(t *testing.T) {
	tests := []struct {
		name string
		e    *discordgo.VoiceStateUpdate
	}{
		{"nil event", nil},
		{"no voice state", &discordgo.VoiceStateUpdate{}},
		{"other guild", voiceUpdate("elsewhere", "bot", "")},
		{"other user", voiceUpdate("guild", "someone", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, s, tr := newTestConnection(t)

			c.onVoiceStateUpdate(s, tt.e)

			if c.State().Status != StatusReady {
				t.Errorf("status = %s, want ready", c.State().Status)
			}
			if n := len(tr.all()); n != 0 {
				t.Errorf("transitions = %d, want 0", n)
			}
		})
	}
}

func TestVoiceStateUpdateFollowsChannelMove(t *testing.T) {
	c, s, _ := newTestConnection(t)

	c.onVoiceStateUpdate(s, voiceUpdate("guild", "bot", "other-channel"))

	c.mu.RLock()
	channelID := c.channelID
	c.mu.RUnlock()
	if channelID != "other-channel" {
		t.Errorf("channel = %q, want other-channel", channelID)
	}
	if c.State().Status != StatusReady {
		t.Errorf("status = %s, want ready", c.State().Status)
	}
}

func TestRejoinCountsAttemptsUntilReady(t *testing.T) {
	c, _, _ := newTestConnection(t)

	for want := 1; want <= 2; want++ {
		if !c.Rejoin() {
			t.Fatalf("Rejoin() = false on attempt %d", want)
		}
		if got := c.RejoinAttempts(); got != want {
			t.Errorf("RejoinAttempts() = %d, want %d", got, want)
		}
		waitForStatus(t, c, StatusDisconnected)
		if r := c.State().Reason; r != ReasonAdapterUnavailable {
			t.Errorf("reason = %s, want adapter unavailable", r)
		}
	}

	c.setState(State{Status: StatusReady})
	if got := c.RejoinAttempts(); got != 0 {
		t.Errorf("RejoinAttempts() after Ready = %d, want 0", got)
	}
}

func TestDestroyIsFinal(t *testing.T) {
	c, _, tr := newTestConnection(t)
	pub := &recordingPublisher{}
	c.Subscribe(pub)

	removed := false
	c.removeVSU = func() { removed = true }

	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy error: %v", err)
	}
	if !errors.Is(c.Destroy(), ErrAlreadyDestroyed) {
		t.Error("second Destroy did not return ErrAlreadyDestroyed")
	}
	if !removed {
		t.Error("voice state handler not removed")
	}
	pub.mu.Lock()
	if pub.added != 1 || pub.removed != 1 {
		t.Errorf("publisher added/removed = %d/%d, want 1/1", pub.added, pub.removed)
	}
	pub.mu.Unlock()

	if c.Rejoin() {
		t.Error("Rejoin() after Destroy = true")
	}
	c.setState(State{Status: StatusReady})
	if c.State().Status != StatusDestroyed {
		t.Errorf("status = %s after setState on a destroyed connection", c.State().Status)
	}

	seen := tr.all()
	if len(seen) != 1 || seen[0].Status != StatusDestroyed {
		t.Errorf("transitions = %v, want a single destroyed", seen)
	}
}

func TestSinkNeedsVoiceConnection(t *testing.T) {
	c, _, _ := newTestConnection(t)

	if c.Ready() {
		t.Error("Ready() = true without a voice connection")
	}
	if c.SendOpus([]byte{0xF8}) {
		t.Error("SendOpus() = true without a voice connection")
	}
	c.Speaking(true)
}

func TestJoinRejectsNilSession(t *testing.T) {
	if _, err := Join(context.Background(), nil, "guild", "channel"); err == nil {
		t.Error("Join with a nil session succeeded")
	}
}

func waitForStatus(t *testing.T, c *DiscordConnection, want Status) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for c.State().Status != want {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want %s", c.State().Status, want)
		}
		time.Sleep(time.Millisecond)
	}
}
