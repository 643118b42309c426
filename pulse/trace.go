package pulse

import (
	"context"
	"sync"
	"time"
)

// EventKind is what a recorded event did.
type EventKind int

// Event kinds.
const (
	EventStep EventKind = iota
	EventDirection
	EventSleep
	EventWake
)

func (k EventKind) String() string {
	switch k {
	case EventStep:
		return "step"
	case EventDirection:
		return "direction"
	case EventSleep:
		return "sleep"
	case EventWake:
		return "wake"
	default:
		return "unknown"
	}
}

// Event is one call recorded by a Trace.
type Event struct {
	Time    time.Time
	Kind    EventKind
	Forward bool
	// Position is the step count after the event, starting at zero.
	Position int64
}

// Trace is an Emitter and Sleeper that records every call instead of driving hardware.
// It optionally forwards to another emitter.
type Trace struct {
	clock func() time.Time
	next  Emitter

	mu       sync.Mutex
	forward  bool
	position int64
	events   []Event
}

// NewTrace returns a trace stamping events with clock. A nil clock uses time.Now.
// next may be nil.
func NewTrace(clock func() time.Time, next Emitter) *Trace {
	if clock == nil {
		clock = time.Now
	}
	return &Trace{clock: clock, next: next, forward: true}
}

// SetDirection records a direction change.
func (t *Trace) SetDirection(ctx context.Context, forward bool) error {
	t.mu.Lock()
	t.forward = forward
	t.record(EventDirection)
	t.mu.Unlock()
	if t.next != nil {
		return t.next.SetDirection(ctx, forward)
	}
	return nil
}

// Step records a step in the current direction.
func (t *Trace) Step(ctx context.Context) error {
	t.mu.Lock()
	if t.forward {
		t.position++
	} else {
		t.position--
	}
	t.record(EventStep)
	t.mu.Unlock()
	if t.next != nil {
		return t.next.Step(ctx)
	}
	return nil
}

// SetSleep records a sleep or wake.
func (t *Trace) SetSleep(ctx context.Context, asleep bool) error {
	t.mu.Lock()
	if asleep {
		t.record(EventSleep)
	} else {
		t.record(EventWake)
	}
	t.mu.Unlock()
	if s, ok := t.next.(Sleeper); ok {
		return s.SetSleep(ctx, asleep)
	}
	return nil
}

func (t *Trace) record(kind EventKind) {
	t.events = append(t.events, Event{
		Time:     t.clock(),
		Kind:     kind,
		Forward:  t.forward,
		Position: t.position,
	})
}

// Events returns a copy of everything recorded so far.
func (t *Trace) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Position returns the net number of steps emitted.
func (t *Trace) Position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

// Steps returns the number of step events.
func (t *Trace) Steps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e.Kind == EventStep {
			n++
		}
	}
	return n
}
