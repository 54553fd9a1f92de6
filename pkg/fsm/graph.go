package fsm

import (
	"sort"
	"time"
)

// Action is a user hook. It receives the machine handle so entry/exit/stay
// hooks can read and mutate the entity and volatile context. Hooks run
// inside the machine's event loop; no two hooks of one machine ever run
// concurrently.
type Action func(m *Machine, e Event) error

// TimeoutSpec declares a per-state timeout. When the machine has sat in the
// state for Duration, the scheduler delivers a __timeout__ event whose
// fallback target is Target.
type TimeoutSpec struct {
	Duration time.Duration
	Target   string
}

// StateDescriptor is the immutable description of one state.
type StateDescriptor struct {
	Name string

	// Entry and Exit are optional side-effect hooks.
	Entry Action
	Exit  Action

	// Timeout, when non-nil, is armed on entry and cancelled on exit.
	Timeout *TimeoutSpec

	// Offline permits eviction of the live instance after persistence.
	Offline bool

	// Final marks the persistent entity complete on entry. Final states
	// have no outgoing transitions.
	Final bool

	// Transitions maps event name to target state name.
	Transitions map[string]string

	// StayActions maps event name to an action that runs without leaving
	// the state.
	StayActions map[string]Action
}

// StateGraph is the static, immutable description of one machine type.
// Instances built from the same factory share one graph.
type StateGraph struct {
	machineType string
	initial     string
	states      map[string]*StateDescriptor
}

// MachineType returns the graph's machine type label.
func (g *StateGraph) MachineType() string { return g.machineType }

// Initial returns the initial state name.
func (g *StateGraph) Initial() string { return g.initial }

// State returns the descriptor for name, or nil.
func (g *StateGraph) State(name string) *StateDescriptor {
	return g.states[name]
}

// StateNames returns all state names in sorted order.
func (g *StateGraph) StateNames() []string {
	names := make([]string, 0, len(g.states))
	for name := range g.states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TransitionMeta describes one static transition for introspection.
type TransitionMeta struct {
	From  string `json:"from"`
	Event string `json:"event"`
	To    string `json:"to"`
	Stay  bool   `json:"stay"`
}

// StateMeta describes one state for introspection.
type StateMeta struct {
	Name      string   `json:"name"`
	Initial   bool     `json:"initial"`
	Offline   bool     `json:"offline"`
	Final     bool     `json:"final"`
	TimeoutMs int64    `json:"timeoutMs,omitempty"`
	TimeoutTo string   `json:"timeoutTo,omitempty"`
	Events    []string `json:"events"`
}

// Metadata derives the "supported events + transitions" view of the graph.
// The live-debug server publishes this to clients.
func (g *StateGraph) Metadata() ([]StateMeta, []TransitionMeta) {
	states := make([]StateMeta, 0, len(g.states))
	var transitions []TransitionMeta
	for _, name := range g.StateNames() {
		sd := g.states[name]
		meta := StateMeta{
			Name:    name,
			Initial: name == g.initial,
			Offline: sd.Offline,
			Final:   sd.Final,
		}
		if sd.Timeout != nil {
			meta.TimeoutMs = sd.Timeout.Duration.Milliseconds()
			meta.TimeoutTo = sd.Timeout.Target
		}
		events := make([]string, 0, len(sd.Transitions)+len(sd.StayActions))
		for ev, to := range sd.Transitions {
			events = append(events, ev)
			transitions = append(transitions, TransitionMeta{From: name, Event: ev, To: to})
		}
		for ev := range sd.StayActions {
			events = append(events, ev)
			transitions = append(transitions, TransitionMeta{From: name, Event: ev, To: name, Stay: true})
		}
		sort.Strings(events)
		meta.Events = events
		states = append(states, meta)
	}
	sort.Slice(transitions, func(i, j int) bool {
		if transitions[i].From != transitions[j].From {
			return transitions[i].From < transitions[j].From
		}
		return transitions[i].Event < transitions[j].Event
	})
	return states, transitions
}
