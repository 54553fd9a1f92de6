package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pialmmh/statemachine-sub005/pkg/core"
)

// engine executes events against machines. process runs inside the
// machine's event loop, so it has exclusive access to the entity and
// volatile context for the duration of one event.
type engine struct {
	r *Registry
}

// process applies one event. The returned flag asks the loop to evict the
// live instance: set after a persisted move into an offline or final state.
func (e *engine) process(m *Machine, ev Event) (evict bool) {
	r := e.r

	if m.IsComplete() {
		// Send rejects completed machines up front; a late timeout or a
		// queued event racing the final transition can still land here.
		r.logger.Debugf("machine %s: dropping %s, machine is complete", m.id, ev.Name())
		return false
	}

	current := m.CurrentState()
	sd := m.graph.State(current)
	if sd == nil {
		r.logger.Errorf("machine %s: current state %q missing from graph %s", m.id, current, m.graph.MachineType())
		return false
	}

	if tev, ok := ev.(*timeoutEvent); ok && e.staleTimeout(m, tev, current) {
		r.logger.Debugf("machine %s: dropping stale timeout armed in %s, now in %s", m.id, tev.armedIn, current)
		return false
	}

	target, isTransition := sd.Transitions[ev.Name()]
	var stay Action
	if !isTransition {
		if ev.Name() == TimeoutEventName && sd.Timeout != nil && sd.Timeout.Target != "" {
			target = sd.Timeout.Target
			isTransition = true
		} else if act, ok := sd.StayActions[ev.Name()]; ok {
			stay = act
		} else {
			// Unhandled events are ignored without side effects or records.
			r.logger.Debugf("machine %s: no handler for %s in state %s", m.id, ev.Name(), current)
			return false
		}
	}

	start := time.Now()
	beforeJSON := e.contextJSON(m)

	var hookErr string
	runHook := func(label string, fn Action) {
		if err := e.safeHook(m, ev, fn); err != nil {
			r.logger.Errorf("machine %s: %s hook failed: %v", m.id, label, err)
			if hookErr == "" {
				hookErr = fmt.Sprintf("%s: %v", label, err)
			}
		}
	}

	var tsd *StateDescriptor
	if isTransition {
		tsd = m.graph.State(target)
		if tsd == nil {
			r.logger.Errorf("machine %s: transition target %q missing from graph %s", m.id, target, m.graph.MachineType())
			return false
		}
		_, span := r.tracer.Start(context.Background(), "fsm.transition", trace.WithAttributes(
			attribute.String("fsm.machine_id", m.id),
			attribute.String("fsm.machine_type", m.graph.MachineType()),
			attribute.String("fsm.event", ev.Name()),
			attribute.String("fsm.state.from", current),
			attribute.String("fsm.state.to", target),
		))

		runHook("exit "+current, sd.Exit)
		e.disarmTimer(m)

		m.mu.Lock()
		m.entity.SetCurrentState(target)
		m.entity.SetLastStateChange(r.clock.Now().UTC())
		if tsd.Final {
			m.entity.SetComplete(true)
		}
		m.version++
		m.mu.Unlock()

		runHook("entry "+target, tsd.Entry)
		if tsd.Timeout != nil {
			e.armTimer(m, target, tsd.Timeout.Duration)
		}

		if hookErr != "" {
			span.SetStatus(codes.Error, hookErr)
		}
		span.End()
	} else {
		tsd = sd
		runHook("stay "+ev.Name(), stay)
		m.mu.Lock()
		m.version++
		m.mu.Unlock()
	}

	persistErr := e.persist(m)
	if persistErr != nil {
		r.logger.Errorf("machine %s: %v", m.id, persistErr)
		r.notifyPersistFailure(m.id)
	}
	if tsd.Final {
		r.markComplete(m.id)
	}

	rec := e.buildRecord(m, ev, current, beforeJSON, tsd, start, hookErr, persistErr != nil)
	r.publishRecord(rec)

	// Eviction only after the store acknowledged the write; a failed save
	// keeps the instance live so the state is not lost.
	return persistErr == nil && (tsd.Offline || tsd.Final)
}

// staleTimeout reports whether a delivered timeout no longer matches the
// armed state and sequence. Covers re-entry into the same state.
func (e *engine) staleTimeout(m *Machine, tev *timeoutEvent, current string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tev.armedIn != current || tev.seq != m.armedSeq
}

// safeHook runs a hook, converting panics into errors. A failed hook never
// rolls back the state change.
func (e *engine) safeHook(m *Machine, ev Event, fn Action) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return fn(m, ev)
}

// armTimer schedules the state timeout and tags the machine with the
// arming state and sequence so stale fires can be detected.
func (e *engine) armTimer(m *Machine, state string, d time.Duration) {
	m.mu.Lock()
	m.armedSeq++
	seq := m.armedSeq
	m.armedState = state
	m.mu.Unlock()

	handle := e.r.scheduler.Schedule(d, func() {
		m.enqueueTimeout(state, seq, e.r.clock.Now().UTC())
	})

	m.mu.Lock()
	m.armedTimer = handle
	m.mu.Unlock()
}

func (e *engine) disarmTimer(m *Machine) {
	m.mu.Lock()
	handle := m.armedTimer
	m.armedTimer = nil
	m.armedState = ""
	m.mu.Unlock()
	if handle != nil {
		handle.Cancel()
	}
}

// persist writes the entity through the configured store.
func (e *engine) persist(m *Machine) error {
	stored, err := m.storedView(e.r.clock.Now().UTC())
	if err != nil {
		return &PersistenceError{Op: "save", MachineID: m.id, Err: err}
	}
	if err := e.r.store.Save(context.Background(), stored); err != nil {
		return &PersistenceError{Op: "save", MachineID: m.id, Err: err}
	}
	return nil
}

// contextJSON renders the entity to canonical JSON for snapshotting.
func (e *engine) contextJSON(m *Machine) json.RawMessage {
	doc, err := core.JSONCanonical(m.Entity())
	if err != nil {
		e.r.logger.Errorf("machine %s: context snapshot: %v", m.id, err)
		return json.RawMessage("null")
	}
	return doc
}

// buildRecord assembles the TransitionRecord for a completed event. Hashes
// are always present; the full context documents ride along only when
// snapshot debugging is on.
func (e *engine) buildRecord(m *Machine, ev Event, stateBefore string, beforeJSON json.RawMessage,
	tsd *StateDescriptor, start time.Time, hookErr string, persistFailed bool) TransitionRecord {

	r := e.r
	afterJSON := e.contextJSON(m)

	rec := TransitionRecord{
		MachineID:         m.id,
		MachineType:       m.graph.MachineType(),
		Version:           m.Version(),
		StateBefore:       stateBefore,
		StateAfter:        m.CurrentState(),
		EventName:         ev.Name(),
		ContextBeforeHash: HashJSON(beforeJSON),
		ContextAfterHash:  HashJSON(afterJSON),
		DurationMs:        uint64(time.Since(start).Milliseconds()),
		Timestamp:         r.clock.Now().UTC(),
		RunID:             r.runID,
		CorrelationID:     m.correlationID,
		MachineOnline:     true,
		StateOffline:      tsd.Offline,
		RegistryStatus:    r.statusOf(m.id),
		PersistFailed:     persistFailed,
	}
	if hookErr != "" {
		rec.HookFailed = true
		rec.HookError = hookErr
	}
	if payload := ev.Payload(); payload != nil {
		if doc, err := core.JSONEncode(payload); err == nil {
			rec.EventPayload = doc
		}
	}
	if params := ev.Params(); len(params) > 0 {
		if doc, err := core.JSONEncode(params); err == nil {
			rec.EventParams = doc
		}
	}
	if r.SnapshotDebugEnabled() {
		rec.ContextBefore = beforeJSON
		rec.ContextAfter = afterJSON
		rec.DebugSessionID = r.debugSessionID()
	}
	return rec
}
