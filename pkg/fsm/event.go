package fsm

import (
	"time"
)

// Reserved event names. Any other name is user space.
const (
	// TimeoutEventName is the name of the synthetic event the scheduler
	// delivers when a state timeout fires.
	TimeoutEventName = "__timeout__"

	// GenericEventName is the default name of an untyped string-named event.
	GenericEventName = "__generic__"
)

// Event is the envelope the engine dispatches on. Transitions are keyed by
// Name, never by the concrete type, so wire-level events dispatch without
// reflection.
type Event interface {
	// Name is the stable string used for transition lookup.
	Name() string

	// Timestamp is when the event was produced.
	Timestamp() time.Time

	// Payload is the opaque event body.
	Payload() interface{}

	// Params exposes event attributes for recorder serialization.
	Params() map[string]interface{}
}

// GenericEvent is a plain named event with an optional payload and
// parameter map.
type GenericEvent struct {
	name    string
	ts      time.Time
	payload interface{}
	params  map[string]interface{}
}

// NewEvent creates a GenericEvent with the given name and payload.
func NewEvent(name string, payload interface{}) *GenericEvent {
	if name == "" {
		name = GenericEventName
	}
	return &GenericEvent{
		name:    name,
		ts:      time.Now().UTC(),
		payload: payload,
	}
}

// WithParam attaches a named parameter and returns the event for chaining.
func (e *GenericEvent) WithParam(key string, value interface{}) *GenericEvent {
	if e.params == nil {
		e.params = make(map[string]interface{})
	}
	e.params[key] = value
	return e
}

// WithTimestamp overrides the event timestamp.
func (e *GenericEvent) WithTimestamp(ts time.Time) *GenericEvent {
	e.ts = ts
	return e
}

func (e *GenericEvent) Name() string                   { return e.name }
func (e *GenericEvent) Timestamp() time.Time           { return e.ts }
func (e *GenericEvent) Payload() interface{}           { return e.payload }
func (e *GenericEvent) Params() map[string]interface{} { return e.params }

// timeoutEvent is the synthetic event a fired state timeout delivers into
// the target inbox. armedIn carries the state that armed the timer; the
// engine drops the event when the machine has since moved on.
type timeoutEvent struct {
	firedAt time.Time
	armedIn string
	seq     uint64
}

func (e *timeoutEvent) Name() string         { return TimeoutEventName }
func (e *timeoutEvent) Timestamp() time.Time { return e.firedAt }
func (e *timeoutEvent) Payload() interface{} { return nil }
func (e *timeoutEvent) Params() map[string]interface{} {
	return map[string]interface{}{"armedIn": e.armedIn, "seq": e.seq}
}
