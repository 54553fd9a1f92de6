package fsm

import (
	"sync"

	"github.com/pialmmh/statemachine-sub005/pkg/core"
)

// Recorder receives one TransitionRecord per completed transition.
// Recording is best-effort: the engine logs failures and never aborts a
// transition on them. Implementations must be safe for concurrent calls.
type Recorder interface {
	Record(rec TransitionRecord) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(rec TransitionRecord) error

func (f RecorderFunc) Record(rec TransitionRecord) error { return f(rec) }

// NopRecorder discards records.
type NopRecorder struct{}

func (NopRecorder) Record(TransitionRecord) error { return nil }

// RingRecorder keeps the last N records in memory for live monitoring.
type RingRecorder struct {
	mu    sync.RWMutex
	buf   []TransitionRecord
	next  int
	count int
}

// NewRingRecorder creates a ring holding at most size records.
func NewRingRecorder(size int) *RingRecorder {
	if size < 1 {
		size = 1024
	}
	return &RingRecorder{buf: make([]TransitionRecord, size)}
}

func (r *RingRecorder) Record(rec TransitionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	return nil
}

// Records returns the retained records oldest-first.
func (r *RingRecorder) Records() []TransitionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TransitionRecord, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Len returns the number of retained records.
func (r *RingRecorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// LoggingRecorder writes a one-line summary per record.
type LoggingRecorder struct {
	logger core.Logger
}

// NewLoggingRecorder creates a recorder that logs through logger.
func NewLoggingRecorder(logger core.Logger) *LoggingRecorder {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &LoggingRecorder{logger: logger}
}

func (r *LoggingRecorder) Record(rec TransitionRecord) error {
	r.logger.Infof("machine %s [%s] v%d: %s -> %s on %s (%dms)",
		rec.MachineID, rec.MachineType, rec.Version,
		rec.StateBefore, rec.StateAfter, rec.EventName, rec.DurationMs)
	return nil
}

// MultiRecorder fans a record out to several sinks. Every sink is attempted;
// the first error is returned.
type MultiRecorder struct {
	sinks []Recorder
}

// NewMultiRecorder combines recorders into one.
func NewMultiRecorder(sinks ...Recorder) *MultiRecorder {
	return &MultiRecorder{sinks: sinks}
}

func (m *MultiRecorder) Record(rec TransitionRecord) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Record(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RedactingRecorder applies a Redactor to every record before handing it to
// the wrapped sink. Hashes are recomputed post-redaction.
type RedactingRecorder struct {
	inner    Recorder
	redactor *Redactor
}

// NewRedactingRecorder wraps inner with redaction.
func NewRedactingRecorder(inner Recorder, redactor *Redactor) *RedactingRecorder {
	return &RedactingRecorder{inner: inner, redactor: redactor}
}

func (r *RedactingRecorder) Record(rec TransitionRecord) error {
	return r.inner.Record(r.redactor.Apply(rec))
}
