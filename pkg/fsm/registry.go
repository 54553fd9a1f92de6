package fsm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/pialmmh/statemachine-sub005/pkg/core"
)

const (
	defaultInboxCapacity   = 1024
	defaultShutdownTimeout = 10 * time.Second
)

// Registry owns every live machine instance, the persistence store and the
// timeout scheduler. All lookups, sends and lifecycle operations go through
// it. A registry is safe for concurrent use.
type Registry struct {
	store           Store
	recorder        Recorder
	logger          core.Logger
	clock           Clock
	scheduler       *TimeoutScheduler
	tracer          trace.Tracer
	observers       []Observer
	inboxCapacity   int
	shutdownTimeout time.Duration
	defaultFactory  Factory

	runID string

	mu        sync.RWMutex
	machines  map[string]*Machine
	factories map[string]Factory
	completed map[string]struct{}
	creating  map[string]chan struct{}
	closed    bool

	debugMu       sync.RWMutex
	snapshotDebug bool
	debugSession  string
	liveDebug     *DebugServer

	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc

	engine *engine
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore sets the persistence backend. Default is an in-memory store.
func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithRecorder sets the transition record sink. Default discards records.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// WithLogger sets the logger.
func WithLogger(logger core.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock sets the clock driving timeouts. Tests pass a ManualClock.
func WithClock(clock Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithInboxCapacity bounds each machine's inbox.
func WithInboxCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.inboxCapacity = n
		}
	}
}

// WithObserver attaches a lifecycle observer. May be repeated.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithTracer sets the tracer used for per-transition spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithShutdownTimeout bounds how long Shutdown waits for inboxes to drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.shutdownTimeout = d
		}
	}
}

// WithDefaultFactory registers a fallback factory used by Send when an
// unknown ID arrives without a per-ID factory on record.
func WithDefaultFactory(f Factory) Option {
	return func(r *Registry) { r.defaultFactory = f }
}

// NewRegistry creates a running registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		inboxCapacity:   defaultInboxCapacity,
		shutdownTimeout: defaultShutdownTimeout,
		runID:           uuid.New().String(),
		machines:        make(map[string]*Machine),
		factories:       make(map[string]Factory),
		completed:       make(map[string]struct{}),
		creating:        make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = NewMemoryStore()
	}
	if r.recorder == nil {
		r.recorder = NopRecorder{}
	}
	if r.logger == nil {
		r.logger = core.NewDefaultLogger()
	}
	if r.clock == nil {
		r.clock = SystemClock{}
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/pialmmh/statemachine-sub005/pkg/fsm")
	}
	r.scheduler = NewTimeoutScheduler(r.clock, r.logger)
	r.rootCtx, r.rootCancel = context.WithCancel(context.Background())
	r.engine = &engine{r: r}
	return r
}

// RunID identifies this registry process instance on every record.
func (r *Registry) RunID() string { return r.runID }

// CreateOrGet returns the live machine for id, creating or rehydrating it
// with factory when needed. For a completed machine it returns a read-only
// sentinel handle. The factory is remembered so later Sends to the evicted
// machine can rehydrate it.
func (r *Registry) CreateOrGet(ctx context.Context, id string, factory Factory) (Handle, error) {
	if id == "" {
		return nil, fmt.Errorf("fsm: machine id cannot be empty")
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if m, ok := r.machines[id]; ok {
			r.mu.Unlock()
			return m, nil
		}
		if _, done := r.completed[id]; done {
			r.mu.Unlock()
			return r.completedSentinel(ctx, id)
		}
		if ch, inflight := r.creating[id]; inflight {
			r.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		ch := make(chan struct{})
		r.creating[id] = ch
		r.mu.Unlock()

		h, err := r.create(ctx, id, factory)

		r.mu.Lock()
		delete(r.creating, id)
		close(ch)
		r.mu.Unlock()
		return h, err
	}
}

// create builds or rehydrates the machine. Runs with the creation claim for
// id held, so at most one goroutine constructs a given machine.
func (r *Registry) create(ctx context.Context, id string, factory Factory) (Handle, error) {
	complete, err := r.store.IsComplete(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "isComplete", MachineID: id, Err: err}
	}
	if complete {
		r.markComplete(id)
		return r.completedSentinel(ctx, id)
	}

	stored, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "load", MachineID: id, Err: err}
	}

	if factory == nil {
		factory = r.lookupFactory(id)
	}
	if factory == nil {
		if stored != nil {
			return nil, fmt.Errorf("fsm: machine %s is persisted but no factory is registered: %w", id, ErrUnknownMachine)
		}
		return nil, ErrUnknownMachine
	}

	m, err := factory(id)
	if err != nil {
		return nil, fmt.Errorf("fsm: factory for machine %s: %w", id, err)
	}
	if m == nil || m.ID() != id {
		return nil, fmt.Errorf("fsm: factory for machine %s returned a machine with id %q", id, m.ID())
	}

	rehydrated := stored != nil
	if rehydrated {
		if err := m.adoptStored(stored); err != nil {
			return nil, err
		}
	}
	m.buildVolatile(rehydrated)

	if !rehydrated {
		// Initial persist at version 0. Records start with the first
		// transition; creation itself emits none.
		view, err := m.storedView(r.clock.Now().UTC())
		if err != nil {
			return nil, &PersistenceError{Op: "save", MachineID: id, Err: err}
		}
		view.CreatedAt = r.clock.Now().UTC()
		if err := r.store.Save(ctx, view); err != nil {
			return nil, &PersistenceError{Op: "save", MachineID: id, Err: err}
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.machines[id] = m
	r.factories[id] = factory
	r.mu.Unlock()

	m.attach(r)

	// Re-entering a state with a timeout re-arms it for the full duration.
	if sd := m.graph.State(m.CurrentState()); sd != nil && sd.Timeout != nil {
		r.engine.armTimer(m, m.CurrentState(), sd.Timeout.Duration)
	}

	if rehydrated {
		for _, o := range r.observers {
			o.OnRehydration(id, m.MachineType())
		}
		r.logger.Debugf("machine %s rehydrated in state %s at version %d", id, m.CurrentState(), m.Version())
	} else {
		for _, o := range r.observers {
			o.OnCreation(id, m.MachineType())
		}
	}
	return m, nil
}

// completedSentinel builds the read-only handle for a finished machine,
// filling state and version from the store when available.
func (r *Registry) completedSentinel(ctx context.Context, id string) (Handle, error) {
	h := &completedHandle{id: id}
	if stored, err := r.store.Load(ctx, id); err == nil && stored != nil {
		h.state = stored.CurrentState
		h.version = stored.Version
	}
	return h, nil
}

func (r *Registry) lookupFactory(id string) Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[id]; ok {
		return f
	}
	return r.defaultFactory
}

// Send delivers an event to the machine's inbox without waiting for it to
// be processed. An evicted machine is transparently rehydrated first.
// Returns ErrMachineComplete for finished machines, ErrOverloaded when the
// inbox is full and ErrUnknownMachine when the ID cannot be resolved.
func (r *Registry) Send(ctx context.Context, id string, ev Event) error {
	if ev == nil {
		return fmt.Errorf("fsm: nil event for machine %s", id)
	}
	for attempt := 0; attempt < 3; attempt++ {
		r.mu.RLock()
		closed := r.closed
		_, done := r.completed[id]
		m := r.machines[id]
		r.mu.RUnlock()
		if closed {
			return ErrRegistryClosed
		}
		if done {
			return ErrMachineComplete
		}
		if m == nil {
			h, err := r.CreateOrGet(ctx, id, nil)
			if err != nil {
				return err
			}
			if h.IsComplete() {
				return ErrMachineComplete
			}
			m = h.(*Machine)
		}
		err := m.enqueue(ev)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrOverloaded) {
			for _, o := range r.observers {
				o.OnInboxOverflow(id)
			}
			return ErrOverloaded
		}
		// Instance evicted between lookup and enqueue; resolve again.
	}
	return fmt.Errorf("fsm: machine %s: enqueue kept racing eviction", id)
}

// Evict removes the live instance, cancelling its timer and releasing the
// volatile context. The persisted entity is untouched; the next Send
// rehydrates. Must not be called from inside the machine's own hooks.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	m := r.machines[id]
	delete(r.machines, id)
	r.mu.Unlock()
	if m == nil {
		return false
	}
	m.stop()
	m.cleanup()
	r.notifyEviction(m)
	return true
}

// Delete evicts the machine and removes its persisted entity. The ID
// becomes unknown again.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.Evict(id)
	r.mu.Lock()
	delete(r.completed, id)
	delete(r.factories, id)
	r.mu.Unlock()
	if err := r.store.Delete(ctx, id); err != nil {
		return &PersistenceError{Op: "delete", MachineID: id, Err: err}
	}
	return nil
}

// IsComplete reports whether the machine has reached a final state,
// consulting live state first and then the store.
func (r *Registry) IsComplete(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	_, done := r.completed[id]
	m := r.machines[id]
	r.mu.RUnlock()
	if done {
		return true, nil
	}
	if m != nil {
		return m.IsComplete(), nil
	}
	complete, err := r.store.IsComplete(ctx, id)
	if err != nil {
		return false, &PersistenceError{Op: "isComplete", MachineID: id, Err: err}
	}
	return complete, nil
}

// MachineInfo is the introspection view of one machine.
type MachineInfo struct {
	ID              string    `json:"id"`
	MachineType     string    `json:"machineType"`
	CurrentState    string    `json:"currentState"`
	Version         uint64    `json:"version"`
	Complete        bool      `json:"complete"`
	Online          bool      `json:"online"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Inspect returns the machine's current standing, live or persisted.
// Returns ErrUnknownMachine when the ID resolves nowhere.
func (r *Registry) Inspect(ctx context.Context, id string) (*MachineInfo, error) {
	r.mu.RLock()
	m := r.machines[id]
	r.mu.RUnlock()
	if m != nil {
		m.mu.RLock()
		info := &MachineInfo{
			ID:              m.id,
			MachineType:     m.graph.MachineType(),
			CurrentState:    m.entity.CurrentState(),
			Version:         m.version,
			Complete:        m.entity.IsComplete(),
			Online:          true,
			LastStateChange: m.entity.LastStateChange(),
		}
		m.mu.RUnlock()
		return info, nil
	}
	stored, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "load", MachineID: id, Err: err}
	}
	if stored == nil {
		return nil, ErrUnknownMachine
	}
	return &MachineInfo{
		ID:              stored.ID,
		MachineType:     stored.MachineType,
		CurrentState:    stored.CurrentState,
		Version:         stored.Version,
		Complete:        stored.Complete,
		Online:          false,
		LastStateChange: stored.LastStateChange,
	}, nil
}

// LiveIDs returns the IDs of in-memory machines, sorted.
func (r *Registry) LiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LiveCount returns the number of in-memory machines.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// liveMachine returns the in-memory instance for id, or nil.
func (r *Registry) liveMachine(id string) *Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.machines[id]
}

// Shutdown stops accepting events, drains every inbox and releases the
// scheduler and debug server. Machines still queued past the timeout are
// cut off; their last persisted state stands.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	for _, m := range machines {
		m.closeInbox()
	}

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	deadline := time.After(r.shutdownTimeout)
	select {
	case <-drained:
	case <-deadline:
		r.logger.Warnf("registry shutdown: drain timed out after %s, dropping queued events", r.shutdownTimeout)
		r.rootCancel()
		<-drained
	case <-ctx.Done():
		r.rootCancel()
		<-drained
	}

	r.rootCancel()
	r.scheduler.Stop()

	r.debugMu.Lock()
	ld := r.liveDebug
	r.liveDebug = nil
	r.debugMu.Unlock()
	if ld != nil {
		ld.Stop()
	}
	return ctx.Err()
}

// detach removes a machine evicted by its own event loop.
func (r *Registry) detach(m *Machine) {
	r.mu.Lock()
	if r.machines[m.id] == m {
		delete(r.machines, m.id)
	}
	r.mu.Unlock()
	r.notifyEviction(m)
}

// finishEviction completes an engine-requested eviction from inside the
// machine's own loop. It holds the creation claim for the ID throughout, so
// events that slipped into the closing inbox are replayed into the next
// instance before any racing Send can resolve it; producer order survives
// the eviction.
func (r *Registry) finishEviction(m *Machine) {
	ch := r.claimCreation(m.id)
	r.detach(m)
	m.cleanup()
	if residue := m.drainResidue(); len(residue) > 0 {
		r.redeliverResidue(m.id, residue)
	}
	r.releaseCreation(m.id, ch)
}

// claimCreation takes the per-ID creation claim, waiting out any current
// holder. The caller must release it with releaseCreation.
func (r *Registry) claimCreation(id string) chan struct{} {
	for {
		r.mu.Lock()
		inflight, held := r.creating[id]
		if !held {
			ch := make(chan struct{})
			r.creating[id] = ch
			r.mu.Unlock()
			return ch
		}
		r.mu.Unlock()
		<-inflight
	}
}

func (r *Registry) releaseCreation(id string, ch chan struct{}) {
	r.mu.Lock()
	delete(r.creating, id)
	r.mu.Unlock()
	close(ch)
}

// redeliverResidue replays drained inbox events, in drained order, into the
// machine's next live instance, rehydrating it when needed. Runs with the
// creation claim for id held.
func (r *Registry) redeliverResidue(id string, residue []Event) {
	r.mu.RLock()
	closed := r.closed
	_, done := r.completed[id]
	m := r.machines[id]
	r.mu.RUnlock()

	if closed {
		r.logger.Warnf("machine %s: dropping %d events queued during eviction, registry is shut down", id, len(residue))
		return
	}
	if done {
		r.logger.Warnf("machine %s: dropping %d events queued during eviction, machine is complete", id, len(residue))
		return
	}
	if m == nil {
		h, err := r.create(context.Background(), id, nil)
		if err != nil {
			r.logger.Warnf("machine %s: rehydration for %d queued events failed: %v", id, len(residue), err)
			return
		}
		if h.IsComplete() {
			r.logger.Warnf("machine %s: dropping %d events queued during eviction, machine is complete", id, len(residue))
			return
		}
		m = h.(*Machine)
	}
	for i, ev := range residue {
		if err := m.enqueue(ev); err != nil {
			r.logger.Warnf("machine %s: redelivery of %s after eviction failed, %d events dropped: %v",
				id, ev.Name(), len(residue)-i, err)
			return
		}
	}
}

func (r *Registry) notifyEviction(m *Machine) {
	for _, o := range r.observers {
		o.OnEviction(m.id, m.MachineType())
	}
	r.logger.Debugf("machine %s evicted in state %s at version %d", m.id, m.CurrentState(), m.Version())
}

func (r *Registry) notifyPersistFailure(id string) {
	for _, o := range r.observers {
		o.OnPersistFailure(id)
	}
}

// markComplete pins the ID into the completed set so later Sends are
// rejected without touching the store.
func (r *Registry) markComplete(id string) {
	r.mu.Lock()
	r.completed[id] = struct{}{}
	r.mu.Unlock()
}

// statusOf reports the machine's registry standing for records.
func (r *Registry) statusOf(id string) RegistryStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.machines[id]; ok {
		if r.closed {
			return RegisteredInactive
		}
		return RegisteredActive
	}
	return NotRegistered
}

// publishRecord fans a finished record out to the recorder, the observers
// and the live-debug broadcast. Failures are logged, never propagated.
func (r *Registry) publishRecord(rec TransitionRecord) {
	if err := r.recorder.Record(rec); err != nil {
		r.logger.Warnf("machine %s: record v%d not delivered: %v", rec.MachineID, rec.Version, err)
	}
	for _, o := range r.observers {
		o.OnTransition(&rec)
	}
	r.debugMu.RLock()
	ld := r.liveDebug
	r.debugMu.RUnlock()
	if ld != nil {
		ld.BroadcastTransition(rec)
	}
}

// EnableSnapshotDebug turns on full context snapshots in records and
// assigns a debug session ID.
func (r *Registry) EnableSnapshotDebug() {
	r.debugMu.Lock()
	r.snapshotDebug = true
	if r.debugSession == "" {
		r.debugSession = uuid.New().String()
	}
	r.debugMu.Unlock()
}

// DisableSnapshotDebug turns snapshots off; hashes keep flowing.
func (r *Registry) DisableSnapshotDebug() {
	r.debugMu.Lock()
	r.snapshotDebug = false
	r.debugMu.Unlock()
}

// SnapshotDebugEnabled reports whether full context snapshots are emitted.
func (r *Registry) SnapshotDebugEnabled() bool {
	r.debugMu.RLock()
	defer r.debugMu.RUnlock()
	return r.snapshotDebug
}

func (r *Registry) debugSessionID() string {
	r.debugMu.RLock()
	defer r.debugMu.RUnlock()
	return r.debugSession
}

// EnableLiveDebug starts the websocket debug server on port and implies
// snapshot debugging. Idempotent while a server is running.
func (r *Registry) EnableLiveDebug(port int) error {
	r.EnableSnapshotDebug()
	r.debugMu.Lock()
	if r.liveDebug != nil {
		r.debugMu.Unlock()
		return nil
	}
	ld := NewDebugServer(r, port)
	r.liveDebug = ld
	r.debugMu.Unlock()
	if err := ld.Start(); err != nil {
		r.debugMu.Lock()
		r.liveDebug = nil
		r.debugMu.Unlock()
		return err
	}
	return nil
}

// DisableLiveDebug stops the websocket debug server if running.
func (r *Registry) DisableLiveDebug() {
	r.debugMu.Lock()
	ld := r.liveDebug
	r.liveDebug = nil
	r.debugMu.Unlock()
	if ld != nil {
		ld.Stop()
	}
}

// LiveDebugEnabled reports whether the websocket debug server is running.
func (r *Registry) LiveDebugEnabled() bool {
	r.debugMu.RLock()
	defer r.debugMu.RUnlock()
	return r.liveDebug != nil
}

// DisableAllDebug turns off both debug modes.
func (r *Registry) DisableAllDebug() {
	r.DisableLiveDebug()
	r.DisableSnapshotDebug()
}
