package session

import "github.com/mirrorcast/mirrorcast/input"

// EventType identifies a session notification.
type EventType int

const (
	// EventStateChanged reports every state transition.
	EventStateChanged EventType = iota
	// EventConnected reports a successful carrier handshake.
	EventConnected
	// EventDisconnected reports an orderly session end. Emitted on
	// every Disconnect call, even when already disconnected, to keep
	// caller bookkeeping simple.
	EventDisconnected
	// EventError reports a fatal session failure with its cause.
	// Exactly one is emitted per failed session.
	EventError
	// EventDataReceived delivers one inbound frame: either a decrypted
	// video frame or an input event.
	EventDataReceived
)

// String returns a human-readable event name.
func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventDataReceived:
		return "data-received"
	default:
		return "unknown"
	}
}

// VideoFrame is one decrypted encoded video frame handed to the
// decoder/renderer collaborator, in delivery order.
type VideoFrame struct {
	Payload         []byte
	Flags           uint32
	TimestampMicros int64
}

// Event is one typed notification on the session's event channel. The
// channel contract replaces re-entrant listener callbacks: consumers
// run on their own goroutine, never inside the receive loop.
type Event struct {
	Type  EventType
	State State  // EventStateChanged
	Cause string // EventError, EventDisconnected
	Err   error  // EventError

	Video *VideoFrame  // EventDataReceived (video path)
	Input *input.Event // EventDataReceived (input path)
}
