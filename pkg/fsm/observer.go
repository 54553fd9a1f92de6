package fsm

// Observer receives lifecycle notifications from the registry. Metrics
// exporters hang off this interface so the engine stays free of any
// monitoring dependency. Callbacks run on engine goroutines and must be
// fast and non-blocking.
type Observer interface {
	// OnTransition fires after every recorded transition or stay action.
	OnTransition(rec *TransitionRecord)

	// OnCreation fires when a brand-new machine is registered.
	OnCreation(machineID, machineType string)

	// OnEviction fires when a live instance leaves memory, whether by an
	// offline state, a final state, or an explicit Evict.
	OnEviction(machineID, machineType string)

	// OnRehydration fires when a persisted machine is rebuilt into memory.
	OnRehydration(machineID, machineType string)

	// OnInboxOverflow fires when Send rejects an event with ErrOverloaded.
	OnInboxOverflow(machineID string)

	// OnPersistFailure fires when a store write fails after a transition.
	OnPersistFailure(machineID string)
}

// NopObserver implements Observer with no-ops. Embed it to pick only the
// callbacks you care about.
type NopObserver struct{}

func (NopObserver) OnTransition(*TransitionRecord) {}
func (NopObserver) OnCreation(string, string)      {}
func (NopObserver) OnEviction(string, string)      {}
func (NopObserver) OnRehydration(string, string)   {}
func (NopObserver) OnInboxOverflow(string)         {}
func (NopObserver) OnPersistFailure(string)        {}
