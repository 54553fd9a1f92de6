package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pialmmh/statemachine-sub005/pkg/core/concurrency"
)

// ContextFactory rebuilds the volatile context from a just-loaded
// persistent entity. It runs on creation and on every rehydration.
type ContextFactory func(entity Entity) interface{}

// Factory builds a fresh machine for the requested ID. The returned
// machine's entity must carry that ID. The registry invokes it on first
// CreateOrGet and again when rehydrating an evicted machine.
type Factory func(id string) (*Machine, error)

// RehydrationHook is invoked by the registry immediately after the
// persisted entity has been adopted, before any event is processed.
type RehydrationHook func(m *Machine)

// Handle addresses one machine, live or completed.
type Handle interface {
	ID() string
	CurrentState() string
	Version() uint64
	IsComplete() bool
}

// Machine is one addressable FSM instance. All events for the machine go
// through its bounded inbox and are processed by a single event loop, so
// hooks never observe concurrent events for the same machine.
type Machine struct {
	id            string
	graph         *StateGraph
	ctxFactory    ContextFactory
	onRehydration RehydrationHook
	correlationID string

	mu       sync.RWMutex
	entity   Entity
	volatile interface{}
	version  uint64

	// Timeout bookkeeping: at most one armed timer, tagged with the state
	// and sequence that armed it so stale fires are dropped.
	armedTimer *TimerHandle
	armedState string
	armedSeq   uint64

	inbox    concurrency.Mailbox
	registry *Registry
	loopStop context.CancelFunc
	loopDone chan struct{}
	evicted  bool
}

// MachineOption configures a machine at construction.
type MachineOption func(*Machine)

// WithEntity supplies a domain entity; its MachineID must equal the
// machine ID. Default is a fresh BaseEntity.
func WithEntity(entity Entity) MachineOption {
	return func(m *Machine) { m.entity = entity }
}

// WithContextFactory supplies the volatile-context factory.
func WithContextFactory(f ContextFactory) MachineOption {
	return func(m *Machine) { m.ctxFactory = f }
}

// WithOnRehydration registers the rehydration callback.
func WithOnRehydration(hook RehydrationHook) MachineOption {
	return func(m *Machine) { m.onRehydration = hook }
}

// WithCorrelationID overrides the generated correlation ID.
func WithCorrelationID(id string) MachineOption {
	return func(m *Machine) { m.correlationID = id }
}

// NewMachine builds a machine bound to graph, starting in the graph's
// initial state.
func NewMachine(id string, graph *StateGraph, opts ...MachineOption) (*Machine, error) {
	if id == "" {
		return nil, fmt.Errorf("fsm: machine id cannot be empty")
	}
	if graph == nil {
		return nil, fmt.Errorf("fsm: machine %s has no graph", id)
	}
	m := &Machine{
		id:            id,
		graph:         graph,
		correlationID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.entity == nil {
		m.entity = NewBaseEntity(id)
	}
	if m.entity.MachineID() != id {
		return nil, fmt.Errorf("fsm: entity id %q does not match machine id %q", m.entity.MachineID(), id)
	}
	if m.entity.CurrentState() == "" {
		m.entity.SetCurrentState(graph.Initial())
	}
	return m, nil
}

// ID returns the machine ID.
func (m *Machine) ID() string { return m.id }

// MachineType returns the graph's machine type label.
func (m *Machine) MachineType() string { return m.graph.MachineType() }

// Graph returns the shared immutable state graph.
func (m *Machine) Graph() *StateGraph { return m.graph }

// CurrentState returns the current state name.
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entity.CurrentState()
}

// Version returns the transition counter.
func (m *Machine) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// IsComplete reports whether the machine has entered a final state.
func (m *Machine) IsComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entity.IsComplete()
}

// Entity returns the persistent entity. Only hooks, running inside the
// event loop, may mutate it.
func (m *Machine) Entity() Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entity
}

// Context returns the volatile context, or nil after eviction.
func (m *Machine) Context() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.volatile
}

// SetContext replaces the volatile context. Intended for hooks.
func (m *Machine) SetContext(v interface{}) {
	m.mu.Lock()
	m.volatile = v
	m.mu.Unlock()
}

// CorrelationID returns the machine's correlation ID carried on records.
func (m *Machine) CorrelationID() string { return m.correlationID }

// snapshot captures fields needed off-loop without holding the lock long.
func (m *Machine) snapshot() (state string, version uint64, complete bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entity.CurrentState(), m.version, m.entity.IsComplete()
}

// adoptStored seeds the machine from a persisted entity: decode the payload
// into the concrete entity, then adopt state, completion and version.
func (m *Machine) adoptStored(stored *StoredEntity) error {
	if len(stored.Payload) > 0 {
		if err := json.Unmarshal(stored.Payload, m.entity); err != nil {
			return fmt.Errorf("fsm: machine %s: decode persisted entity: %w", m.id, err)
		}
	}
	m.entity.SetCurrentState(stored.CurrentState)
	m.entity.SetLastStateChange(stored.LastStateChange)
	m.entity.SetComplete(stored.Complete)
	m.version = stored.Version
	return nil
}

// buildVolatile runs the context factory and the rehydration hook.
func (m *Machine) buildVolatile(rehydrated bool) {
	if m.ctxFactory != nil {
		m.volatile = m.ctxFactory(m.entity)
	}
	if rehydrated && m.onRehydration != nil {
		m.onRehydration(m)
	}
}

// storedView renders the entity into its storage row.
func (m *Machine) storedView(now time.Time) (*StoredEntity, error) {
	payload, err := json.Marshal(m.entity)
	if err != nil {
		return nil, fmt.Errorf("fsm: machine %s: encode entity: %w", m.id, err)
	}
	return &StoredEntity{
		ID:              m.id,
		MachineType:     m.graph.MachineType(),
		CurrentState:    m.entity.CurrentState(),
		LastStateChange: m.entity.LastStateChange(),
		Complete:        m.entity.IsComplete(),
		Version:         m.version,
		Payload:         payload,
		UpdatedAt:       now,
	}, nil
}

// attach wires the machine into a registry and starts its event loop.
func (m *Machine) attach(r *Registry) {
	m.registry = r
	m.inbox = concurrency.NewBoundedMailbox(r.inboxCapacity)
	loopCtx, cancel := context.WithCancel(r.rootCtx)
	m.loopStop = cancel
	m.loopDone = make(chan struct{})
	r.wg.Add(1)
	go m.loop(loopCtx)
}

// enqueue places an event on the inbox. Fails fast when the inbox is full
// or the machine is being evicted.
func (m *Machine) enqueue(ev Event) error {
	m.mu.RLock()
	evicted := m.evicted
	inbox := m.inbox
	m.mu.RUnlock()
	if evicted || inbox == nil {
		return errMachineEvicted
	}
	if err := inbox.Send(ev); err != nil {
		if err == concurrency.ErrMailboxFull {
			return ErrOverloaded
		}
		return errMachineEvicted
	}
	return nil
}

// enqueueTimeout delivers a fired timer into the inbox. Timer deliveries
// lost to a full inbox are logged; the state keeps whatever events beat it.
func (m *Machine) enqueueTimeout(armedIn string, seq uint64, firedAt time.Time) {
	ev := &timeoutEvent{firedAt: firedAt, armedIn: armedIn, seq: seq}
	if err := m.enqueue(ev); err != nil && m.registry != nil {
		m.registry.logger.Warnf("machine %s: dropping timeout fired in %s: %v", m.id, armedIn, err)
	}
}

// loop is the machine's single consumer. It processes one event to
// completion before the next; engine-requested evictions terminate it.
func (m *Machine) loop(ctx context.Context) {
	r := m.registry
	defer r.wg.Done()
	defer close(m.loopDone)
	for {
		msg, err := m.inbox.Receive(ctx)
		if err != nil {
			// Cancelled or closed-and-drained.
			m.cleanup()
			return
		}
		ev, ok := msg.(Event)
		if !ok {
			r.logger.Errorf("machine %s: dropping non-event inbox message %T", m.id, msg)
			continue
		}
		if r.engine.process(m, ev) {
			r.finishEviction(m)
			return
		}
	}
}

// stop terminates the loop from outside (explicit Evict, Shutdown residue).
// The in-flight event completes; queued residue is dropped.
func (m *Machine) stop() {
	if m.loopStop != nil {
		m.loopStop()
	}
	if m.loopDone != nil {
		<-m.loopDone
	}
}

// closeInbox lets the loop drain queued events and then exit. Used by
// Shutdown.
func (m *Machine) closeInbox() {
	if m.inbox != nil {
		m.inbox.Close()
	}
}

// cleanup cancels the armed timer and releases the volatile context. The
// context's Close is invoked when it implements io.Closer's shape.
func (m *Machine) cleanup() {
	m.mu.Lock()
	if m.evicted {
		m.mu.Unlock()
		return
	}
	m.evicted = true
	timer := m.armedTimer
	m.armedTimer = nil
	m.armedState = ""
	volatile := m.volatile
	m.volatile = nil
	inbox := m.inbox
	m.mu.Unlock()

	if timer != nil {
		timer.Cancel()
	}
	if closer, ok := volatile.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && m.registry != nil {
			m.registry.logger.Warnf("machine %s: volatile context close: %v", m.id, err)
		}
	}
	if inbox != nil {
		inbox.Close()
	}
}

// drainResidue empties events that slipped into the inbox around Close,
// preserving arrival order.
func (m *Machine) drainResidue() []Event {
	var residue []Event
	for {
		msg, ok, err := m.inbox.TryReceive()
		if err != nil || !ok {
			return residue
		}
		if ev, isEvent := msg.(Event); isEvent {
			residue = append(residue, ev)
		}
	}
}

// errMachineEvicted is internal: Send retries resolution when it hits an
// instance that was evicted between lookup and enqueue.
var errMachineEvicted = fmt.Errorf("fsm: machine instance evicted")

// completedHandle is the sentinel returned for machines that have entered
// a final state. It rejects nothing itself; Send rejects by checking the
// registry's completed set.
type completedHandle struct {
	id      string
	state   string
	version uint64
}

func (h *completedHandle) ID() string           { return h.id }
func (h *completedHandle) CurrentState() string { return h.state }
func (h *completedHandle) Version() uint64      { return h.version }
func (h *completedHandle) IsComplete() bool     { return true }
