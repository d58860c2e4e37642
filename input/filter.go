package input

import "sync"

// Tracker applies dead-zone filtering to axis samples and suppresses
// events whose value is unchanged from the last transmitted state.
// Only the last-known value per (kind, code) pair is retained; there is
// no sample history.
type Tracker struct {
	mu       sync.Mutex
	deadZone float32
	last     map[trackerKey]trackerState
}

type trackerKey struct {
	kind Kind
	code int32
}

type trackerState struct {
	value  float32
	active bool
}

// NewTracker creates a tracker with the given axis dead-zone threshold.
// Raw axis magnitudes below the threshold are treated as zero.
func NewTracker(deadZone float32) *Tracker {
	if deadZone < 0 {
		deadZone = 0
	}
	return &Tracker{
		deadZone: deadZone,
		last:     make(map[trackerKey]trackerState),
	}
}

// Filter applies the dead zone to the event and reports whether it
// represents a state change worth transmitting. The returned event has
// the filtered value; ok is false when the value matches the last
// transmitted state for the same kind and code. Controls that were
// never seen count as released: value zero, buttons up, touch
// inactive. A first sample matching that rest state is not a change.
func (t *Tracker) Filter(ev Event) (Event, bool) {
	if ev.Kind == KindAxis {
		if ev.Value < t.deadZone && ev.Value > -t.deadZone {
			ev.Value = 0
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackerKey{kind: ev.Kind, code: ev.Code}
	state := trackerState{value: ev.Value, active: ev.Active}
	if ev.Kind != KindTouchpad {
		state.active = true
		ev.Active = true
	}

	prev, seen := t.last[key]
	if !seen {
		prev = restState(ev.Kind)
	}
	if prev == state {
		return ev, false
	}

	t.last[key] = state
	return ev, true
}

// restState is the implicit state of a control before any sample was
// transmitted for it.
func restState(kind Kind) trackerState {
	if kind == KindTouchpad {
		return trackerState{value: 0, active: false}
	}
	return trackerState{value: 0, active: true}
}

// Reset clears all remembered state, forcing the next sample of every
// control to be treated as a change. Called when a session ends so a
// new session starts from a clean slate.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[trackerKey]trackerState)
}
