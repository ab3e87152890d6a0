package voice

import (
	"context"
	"errors"
	"fmt"
)

// Status is the lifecycle status of a voice connection.
type Status string

const (
	StatusSignalling   Status = "signalling"
	StatusConnecting   Status = "connecting"
	StatusReady        Status = "ready"
	StatusDisconnected Status = "disconnected"
	StatusDestroyed    Status = "destroyed"
)

// DisconnectReason explains why a connection entered StatusDisconnected.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonWebSocketClose
	ReasonAdapterUnavailable
	ReasonEndpointRemoved
	ReasonManual
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonWebSocketClose:
		return "websocket-close"
	case ReasonAdapterUnavailable:
		return "adapter-unavailable"
	case ReasonEndpointRemoved:
		return "endpoint-removed"
	case ReasonManual:
		return "manual"
	default:
		return "none"
	}
}

// CloseCodeMoved is sent by Discord when the session was moved or dropped
// on purpose: channel deleted, bot kicked, permissions revoked.
const CloseCodeMoved = 4014

// State is a snapshot of a connection. Reason and CloseCode are only
// meaningful while Status is StatusDisconnected.
type State struct {
	Status    Status
	Reason    DisconnectReason
	CloseCode int
}

func (s State) String() string {
	if s.Status != StatusDisconnected {
		return string(s.Status)
	}
	if s.Reason == ReasonWebSocketClose {
		return fmt.Sprintf("%s (%s %d)", s.Status, s.Reason, s.CloseCode)
	}
	return fmt.Sprintf("%s (%s)", s.Status, s.Reason)
}

// StateHandler is called with the previous and the new state on every transition.
type StateHandler func(oldState, newState State)

var (
	ErrAlreadyDestroyed = errors.New("voice connection already destroyed")
	ErrDestroyed        = errors.New("voice connection was destroyed while waiting")
)

// Observer is anything whose connection state can be watched.
type Observer interface {
	State() State
	OnStateChange(fn StateHandler) (remove func())
}

// Sink consumes encoded opus frames.
type Sink interface {
	Ready() bool
	SendOpus(packet []byte) bool
	Speaking(speaking bool)
}

// Publisher produces audio for any number of sinks.
type Publisher interface {
	AddSink(s Sink)
	RemoveSink(s Sink)
}

// Connection is a voice session bound to one channel. Its status is driven by
// the transport; callers can only ask it to rejoin or to be destroyed.
type Connection interface {
	Observer
	RejoinAttempts() int
	Rejoin() bool
	Destroy() error
	Subscribe(p Publisher)
}

// EntersState blocks until o reaches status, ctx is done, or o is destroyed
// while waiting for some other status.
func EntersState(ctx context.Context, o Observer, status Status) error {
	reached := make(chan error, 1)
	remove := o.OnStateChange(func(_, newState State) {
		switch {
		case newState.Status == status:
			select {
			case reached <- nil:
			default:
			}
		case newState.Status == StatusDestroyed:
			select {
			case reached <- ErrDestroyed:
			default:
			}
		}
	})
	defer remove()

	switch current := o.State().Status; {
	case current == status:
		return nil
	case current == StatusDestroyed:
		return ErrDestroyed
	}

	select {
	case err := <-reached:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", status, ctx.Err())
	}
}
