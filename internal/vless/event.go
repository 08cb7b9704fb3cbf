package vless

import "time"

// State is the lifecycle position of a tunnel session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateHandshakeSent
	StateRelaying
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateRelaying:
		return "relaying"
	default:
		return "unknown"
	}
}

// EventKind classifies status notifications.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is a status change published to subscribers.  Err is set for
// EventFailed.
type Event struct {
	Kind EventKind
	Err  error
	At   time.Time
}
