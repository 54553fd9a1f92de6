package fsm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RegistryStatus reports the machine's standing in the registry at the
// moment a record was emitted.
type RegistryStatus string

const (
	RegisteredActive   RegistryStatus = "REGISTERED_ACTIVE"
	RegisteredInactive RegistryStatus = "REGISTERED_INACTIVE"
	NotRegistered      RegistryStatus = "NOT_REGISTERED"
)

// TransitionRecord describes one completed transition (or stay action) for
// monitoring. Records for one machine are emitted in strictly increasing
// version order.
type TransitionRecord struct {
	MachineID   string `json:"machineId"`
	MachineType string `json:"machineType"`
	Version     uint64 `json:"version"`

	StateBefore string `json:"stateBefore"`
	StateAfter  string `json:"stateAfter"`

	EventName    string          `json:"eventName"`
	EventPayload json.RawMessage `json:"eventPayload,omitempty"`
	EventParams  json.RawMessage `json:"eventParams,omitempty"`

	// Context snapshots are canonical JSON of the persistent entity before
	// and after the transition. Hashes are SHA-256 hex, computed after any
	// redaction.
	ContextBefore     json.RawMessage `json:"contextBefore,omitempty"`
	ContextBeforeHash string          `json:"contextBeforeHash"`
	ContextAfter      json.RawMessage `json:"contextAfter,omitempty"`
	ContextAfterHash  string          `json:"contextAfterHash"`

	DurationMs uint64    `json:"transitionDurationMs"`
	Timestamp  time.Time `json:"timestamp"`

	RunID          string `json:"runId"`
	CorrelationID  string `json:"correlationId"`
	DebugSessionID string `json:"debugSessionId,omitempty"`

	MachineOnline  bool           `json:"machineOnline"`
	StateOffline   bool           `json:"stateOffline"`
	RegistryStatus RegistryStatus `json:"registryStatus"`

	// HookFailed marks a caught entry/exit/stay hook failure. The state
	// change is retained regardless.
	HookFailed bool   `json:"hookFailed,omitempty"`
	HookError  string `json:"hookError,omitempty"`

	// PersistFailed marks a save failure after the in-memory mutation.
	PersistFailed bool `json:"persistFailed,omitempty"`
}

// HashJSON returns the SHA-256 hex digest of a JSON document.
func HashJSON(doc json.RawMessage) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// Redactor replaces values of configured field names with a sentinel in
// JSON documents before they are stored or broadcast. Redaction is a
// recorder-level concern; the engine emits unredacted records.
type Redactor struct {
	fields   map[string]bool
	sentinel string
}

// NewRedactor builds a redactor for the given field names.
func NewRedactor(fields ...string) *Redactor {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return &Redactor{fields: set, sentinel: "***REDACTED***"}
}

// WithSentinel overrides the replacement value.
func (r *Redactor) WithSentinel(s string) *Redactor {
	r.sentinel = s
	return r
}

// Redact rewrites doc with matching field values replaced. Invalid or empty
// documents pass through untouched.
func (r *Redactor) Redact(doc json.RawMessage) json.RawMessage {
	if len(doc) == 0 || len(r.fields) == 0 {
		return doc
	}
	var v interface{}
	if err := json.Unmarshal(doc, &v); err != nil {
		return doc
	}
	v = r.redactValue(v)
	out, err := json.Marshal(v)
	if err != nil {
		return doc
	}
	return out
}

func (r *Redactor) redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if r.fields[k] {
				t[k] = r.sentinel
			} else {
				t[k] = r.redactValue(val)
			}
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = r.redactValue(e)
		}
		return t
	default:
		return v
	}
}

// Apply redacts all JSON fields of a record and recomputes the context
// hashes from the redacted form.
func (r *Redactor) Apply(rec TransitionRecord) TransitionRecord {
	rec.EventPayload = r.Redact(rec.EventPayload)
	rec.EventParams = r.Redact(rec.EventParams)
	rec.ContextBefore = r.Redact(rec.ContextBefore)
	rec.ContextAfter = r.Redact(rec.ContextAfter)
	if len(rec.ContextBefore) > 0 {
		rec.ContextBeforeHash = HashJSON(rec.ContextBefore)
	}
	if len(rec.ContextAfter) > 0 {
		rec.ContextAfterHash = HashJSON(rec.ContextAfter)
	}
	return rec
}
