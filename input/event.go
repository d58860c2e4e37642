// Package input models controller samples flowing from the input-capture
// collaborator to the wire. It provides the event types, dead-zone
// filtering, and last-known-value change detection so that only state
// changes are transmitted.
//
// Input events travel unencrypted alongside encrypted video on the same
// stream; they carry control authority, so a stricter threat model would
// encrypt them too.
package input

import "math"

// Kind identifies the class of controller sample.
type Kind uint8

const (
	// KindButton is a digital button sample with value 0.0 or 1.0.
	KindButton Kind = iota
	// KindAxis is an analog stick or trigger sample in [-1.0, 1.0]
	// after dead-zone filtering.
	KindAxis
	// KindTouchpad is a touchpad coordinate sample in device pixels.
	KindTouchpad
)

// String returns the wire name of the kind. The name is sent as the
// ASCII identifier inside every input frame.
func (k Kind) String() string {
	switch k {
	case KindButton:
		return "button"
	case KindAxis:
		return "axis"
	case KindTouchpad:
		return "touchpad"
	default:
		return "unknown"
	}
}

// KindFromName maps a wire name back to its Kind. The second return
// value is false for unrecognized names.
func KindFromName(name string) (Kind, bool) {
	switch name {
	case "button":
		return KindButton, true
	case "axis":
		return KindAxis, true
	case "touchpad":
		return KindTouchpad, true
	default:
		return 0, false
	}
}

// Event is one controller sample. Touchpad events always carry the
// Active flag; on the wire an inactive touch is transmitted with a
// quiet-NaN value sentinel in place of the coordinate.
type Event struct {
	Kind   Kind
	Code   int32
	Value  float32
	Active bool
}

// inactiveSentinel is the IEEE-754 quiet NaN bit pattern used to fold
// Active=false into the fixed value field of a touchpad frame.
const inactiveSentinel = 0x7FC00000

// WireValue returns the float bit pattern transmitted for the event.
func (e Event) WireValue() uint32 {
	if e.Kind == KindTouchpad && !e.Active {
		return inactiveSentinel
	}
	return math.Float32bits(e.Value)
}

// EventFromWire reconstructs an event from its decoded wire fields.
func EventFromWire(kind Kind, code int32, bits uint32) Event {
	ev := Event{Kind: kind, Code: code, Active: true}
	value := math.Float32frombits(bits)
	if kind == KindTouchpad && math.IsNaN(float64(value)) {
		ev.Active = false
		return ev
	}
	ev.Value = value
	return ev
}
