package fsm

import (
	"time"
)

// GraphBuilder provides a fluent API for building state graphs.
//
//	graph, err := fsm.NewGraphBuilder("order").
//	    Initial("PENDING").
//	    State("PENDING").
//	        On("OrderPlaced", "AWAITING_PAYMENT").
//	        Done().
//	    State("AWAITING_PAYMENT").
//	        On("PaymentReceived", "PROCESSING").
//	        Timeout(30*time.Second, "CANCELLED").
//	        Done().
//	    State("PROCESSING").
//	        Offline().
//	        On("OrderShipped", "SHIPPED").
//	        Done().
//	    State("CANCELLED").Final().Done().
//	    State("SHIPPED").Final().Done().
//	    Build()
type GraphBuilder struct {
	machineType string
	initial     string
	states      map[string]*StateDescriptor
	errs        []error
}

// StateBuilder builds a single state.
type StateBuilder struct {
	parent *GraphBuilder
	state  *StateDescriptor
}

// NewGraphBuilder creates a builder for the given machine type label.
func NewGraphBuilder(machineType string) *GraphBuilder {
	return &GraphBuilder{
		machineType: machineType,
		states:      make(map[string]*StateDescriptor),
	}
}

// Initial names the initial state.
func (b *GraphBuilder) Initial(state string) *GraphBuilder {
	b.initial = state
	return b
}

// State opens a new state definition. Defining the same state twice is a
// build error.
func (b *GraphBuilder) State(name string) *StateBuilder {
	if name == "" {
		b.errs = append(b.errs, invalidGraph(b.machineType, "state name cannot be empty"))
	}
	if _, dup := b.states[name]; dup {
		b.errs = append(b.errs, invalidGraph(b.machineType, "duplicate state %q", name))
	}
	sd := &StateDescriptor{
		Name:        name,
		Transitions: make(map[string]string),
		StayActions: make(map[string]Action),
	}
	b.states[name] = sd
	return &StateBuilder{parent: b, state: sd}
}

// Build validates and returns the immutable graph.
func (b *GraphBuilder) Build() (*StateGraph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if b.machineType == "" {
		return nil, invalidGraph(b.machineType, "machine type label is required")
	}
	if b.initial == "" {
		return nil, invalidGraph(b.machineType, "initial state is required")
	}
	if len(b.states) == 0 {
		return nil, invalidGraph(b.machineType, "at least one state is required")
	}
	if _, ok := b.states[b.initial]; !ok {
		return nil, invalidGraph(b.machineType, "initial state %q is not defined", b.initial)
	}
	for name, sd := range b.states {
		if sd.Final && len(sd.Transitions) > 0 {
			return nil, invalidGraph(b.machineType, "final state %q has outgoing transitions", name)
		}
		if sd.Final && sd.Timeout != nil {
			return nil, invalidGraph(b.machineType, "final state %q has a timeout", name)
		}
		for ev, target := range sd.Transitions {
			if ev == "" {
				return nil, invalidGraph(b.machineType, "state %q has a transition with an empty event name", name)
			}
			if _, ok := b.states[target]; !ok {
				return nil, invalidGraph(b.machineType, "transition %q from state %q targets unknown state %q", ev, name, target)
			}
		}
		for ev := range sd.StayActions {
			if ev == "" {
				return nil, invalidGraph(b.machineType, "state %q has a stay action with an empty event name", name)
			}
			if _, clash := sd.Transitions[ev]; clash {
				return nil, invalidGraph(b.machineType, "state %q declares event %q as both transition and stay action", name, ev)
			}
		}
		if sd.Timeout != nil {
			if sd.Timeout.Duration <= 0 {
				return nil, invalidGraph(b.machineType, "state %q has a non-positive timeout", name)
			}
			if _, ok := b.states[sd.Timeout.Target]; !ok {
				return nil, invalidGraph(b.machineType, "timeout of state %q targets unknown state %q", name, sd.Timeout.Target)
			}
		}
	}
	return &StateGraph{
		machineType: b.machineType,
		initial:     b.initial,
		states:      b.states,
	}, nil
}

// MustBuild is Build for static graphs known to be valid; it panics on error.
func (b *GraphBuilder) MustBuild() *StateGraph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}

// ---- StateBuilder ----

// On adds an event-triggered transition to the target state.
func (sb *StateBuilder) On(event, target string) *StateBuilder {
	sb.state.Transitions[event] = target
	return sb
}

// Stay registers an action that handles event without leaving the state.
func (sb *StateBuilder) Stay(event string, action Action) *StateBuilder {
	sb.state.StayActions[event] = action
	return sb
}

// Entry sets the state's entry hook.
func (sb *StateBuilder) Entry(action Action) *StateBuilder {
	sb.state.Entry = action
	return sb
}

// Exit sets the state's exit hook.
func (sb *StateBuilder) Exit(action Action) *StateBuilder {
	sb.state.Exit = action
	return sb
}

// Timeout arms a timer on entry; when it fires, the machine moves to target
// unless a __timeout__ transition says otherwise.
func (sb *StateBuilder) Timeout(d time.Duration, target string) *StateBuilder {
	sb.state.Timeout = &TimeoutSpec{Duration: d, Target: target}
	return sb
}

// Offline marks the state evictable: after entry is persisted the registry
// may drop the live instance.
func (sb *StateBuilder) Offline() *StateBuilder {
	sb.state.Offline = true
	return sb
}

// Final marks the state terminal: entry completes the machine.
func (sb *StateBuilder) Final() *StateBuilder {
	sb.state.Final = true
	return sb
}

// Done closes the state and returns to the graph builder.
func (sb *StateBuilder) Done() *GraphBuilder {
	return sb.parent
}
