package fsm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMachine is returned by Send when the target ID is neither
	// live nor persisted and no factory is registered for it.
	ErrUnknownMachine = errors.New("fsm: unknown machine")

	// ErrMachineComplete is returned when an event targets a machine that
	// has entered a final state. The recorder is not notified.
	ErrMachineComplete = errors.New("fsm: machine is complete")

	// ErrOverloaded is returned when a machine inbox is full. Callers must
	// retry or fail.
	ErrOverloaded = errors.New("fsm: machine inbox overloaded")

	// ErrRegistryClosed is returned after Shutdown has begun.
	ErrRegistryClosed = errors.New("fsm: registry is shut down")
)

// PersistenceError wraps a store failure. The engine never retries
// internally; the error surfaces to the caller of the triggering API.
type PersistenceError struct {
	Op        string // save, load, exists, delete, isComplete
	MachineID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("fsm: persistence %s failed for machine %s: %v", e.Op, e.MachineID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// InvalidGraphError rejects a graph at build time.
type InvalidGraphError struct {
	MachineType string
	Reason      string
}

func (e *InvalidGraphError) Error() string {
	return fmt.Sprintf("fsm: invalid graph %q: %s", e.MachineType, e.Reason)
}

func invalidGraph(machineType, format string, args ...interface{}) error {
	return &InvalidGraphError{MachineType: machineType, Reason: fmt.Sprintf(format, args...)}
}
