package dispatcher

import "github.com/keshon/voice-dispatcher/internal/music/stream"

type EventType string

const (
	EventError  EventType = "error"
	EventDebug  EventType = "debug"
	EventStart  EventType = "start"
	EventFinish EventType = "finish"
)

// Event is published to every handler added with AddHandler.
type Event struct {
	Type EventType
	// Err is set for EventError.
	Err error
	// Message is set for EventDebug.
	Message string
	// Resource is the resource that started or finished, when known.
	Resource *stream.Resource
}

type EventHandler func(Event)

func (d *Dispatcher) emit(e Event) {
	for _, fn := range d.handlers.All() {
		fn(e)
	}
}
