package dispatcher

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/keshon/voice-dispatcher/internal/music/player"
	"github.com/keshon/voice-dispatcher/internal/music/stream"
	"github.com/keshon/voice-dispatcher/internal/music/voice"
	"github.com/keshon/voice-dispatcher/pkg/util"
)

type fakeConn struct {
	mu        sync.Mutex
	state     voice.State
	attempts  int
	rejoins   int
	destroys  int
	publisher voice.Publisher
	handlers  util.Handlers[voice.StateHandler]
}

func newFakeConn(status voice.Status) *fakeConn {
	return &fakeConn{state: voice.State{Status: status}}
}

func (c *fakeConn) State() voice.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) OnStateChange(fn voice.StateHandler) func() { return c.handlers.Add(fn) }

func (c *fakeConn) RejoinAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeConn) Rejoin() bool {
	c.mu.Lock()
	if c.state.Status == voice.StatusDestroyed {
		c.mu.Unlock()
		return false
	}
	c.attempts++
	c.rejoins++
	c.mu.Unlock()
	return true
}

func (c *fakeConn) Destroy() error {
	c.mu.Lock()
	if c.state.Status == voice.StatusDestroyed {
		c.mu.Unlock()
		return voice.ErrAlreadyDestroyed
	}
	prev := c.state
	c.state = voice.State{Status: voice.StatusDestroyed}
	c.destroys++
	c.mu.Unlock()

	for _, fn := range c.handlers.All() {
		fn(prev, voice.State{Status: voice.StatusDestroyed})
	}
	return nil
}

func (c *fakeConn) Subscribe(p voice.Publisher) {
	c.mu.Lock()
	c.publisher = p
	c.mu.Unlock()
}

func (c *fakeConn) set(next voice.State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	for _, fn := range c.handlers.All() {
		fn(prev, next)
	}
}

func (c *fakeConn) counts() (rejoins, destroys int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejoins, c.destroys
}

type fakePlayer struct {
	mu    sync.Mutex
	state player.State
	plays []*stream.Resource
	stops int

	stateHandlers util.Handlers[player.StateHandler]
	debugHandlers util.Handlers[func(string)]
	errorHandlers util.Handlers[func(error)]
}

var _ AudioPlayer = (*fakePlayer)(nil)

func newFakePlayer() *fakePlayer {
	return &fakePlayer{state: player.State{Status: player.StatusIdle}}
}

func (p *fakePlayer) AddSink(voice.Sink)    {}
func (p *fakePlayer) RemoveSink(voice.Sink) {}
func (p *fakePlayer) Close()                {}

func (p *fakePlayer) Play(res *stream.Resource) {
	p.mu.Lock()
	p.plays = append(p.plays, res)
	p.mu.Unlock()
	p.set(player.State{Status: player.StatusBuffering, Resource: res})
}

func (p *fakePlayer) Stop() bool {
	if p.Status() == player.StatusIdle {
		return false
	}
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	p.set(player.State{Status: player.StatusIdle})
	return true
}

func (p *fakePlayer) Pause(bool) bool {
	st := p.current()
	if st.Status != player.StatusPlaying {
		return false
	}
	p.set(player.State{Status: player.StatusPaused, Resource: st.Resource})
	return true
}

func (p *fakePlayer) Unpause() bool {
	st := p.current()
	if st.Status != player.StatusPaused {
		return false
	}
	p.set(player.State{Status: player.StatusPlaying, Resource: st.Resource})
	return true
}

func (p *fakePlayer) Status() player.Status      { return p.current().Status }
func (p *fakePlayer) Resource() *stream.Resource { return p.current().Resource }

func (p *fakePlayer) OnStateChange(fn player.StateHandler) func() { return p.stateHandlers.Add(fn) }
func (p *fakePlayer) OnDebug(fn func(string)) func()              { return p.debugHandlers.Add(fn) }
func (p *fakePlayer) OnError(fn func(error)) func()               { return p.errorHandlers.Add(fn) }

func (p *fakePlayer) current() player.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePlayer) set(next player.State) {
	p.mu.Lock()
	prev := p.state
	p.state = next
	p.mu.Unlock()

	for _, fn := range p.stateHandlers.All() {
		fn(prev, next)
	}
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plays)
}

func (p *fakePlayer) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

type nopEncoder struct{}

func (nopEncoder) Encode(_ []int16, data []byte) (int, error) {
	data[0] = 0xF8
	return 1, nil
}

func emptySource() stream.Source {
	return stream.ReaderSource(bytes.NewReader(nil))
}

func rawOptions() stream.Options {
	return stream.Options{Type: stream.StreamRaw, Encoder: nopEncoder{}}
}

func newResource(t *testing.T) *stream.Resource {
	t.Helper()
	opts := rawOptions()
	opts.InlineVolume = true
	res, err := stream.NewResource(emptySource(), opts)
	if err != nil {
		t.Fatalf("NewResource error: %v", err)
	}
	t.Cleanup(func() { _ = res.Close() })
	return res
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(typ EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) last(typ EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == typ {
			return l.events[i], true
		}
	}
	return Event{}, false
}

// waitFor polls cond in real time.
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
