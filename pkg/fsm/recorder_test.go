package fsm

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func makeRecord(id string, version uint64) TransitionRecord {
	before := json.RawMessage(`{"balance":10,"password":"hunter2"}`)
	after := json.RawMessage(`{"balance":20,"password":"hunter2"}`)
	return TransitionRecord{
		MachineID:         id,
		MachineType:       "order",
		Version:           version,
		StateBefore:       "A",
		StateAfter:        "B",
		EventName:         "go",
		EventPayload:      json.RawMessage(`{"password":"hunter2","amount":5}`),
		ContextBefore:     before,
		ContextBeforeHash: HashJSON(before),
		ContextAfter:      after,
		ContextAfterHash:  HashJSON(after),
	}
}

func TestRingRecorder_WrapsOldestFirst(t *testing.T) {
	r := NewRingRecorder(3)
	for v := uint64(1); v <= 5; v++ {
		if err := r.Record(makeRecord("m1", v)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("Expected 3 retained records, got %d", r.Len())
	}
	records := r.Records()
	for i, want := range []uint64{3, 4, 5} {
		if records[i].Version != want {
			t.Errorf("Record %d: expected version %d, got %d", i, want, records[i].Version)
		}
	}
}

func TestRingRecorder_DefaultSize(t *testing.T) {
	r := NewRingRecorder(0)
	if err := r.Record(makeRecord("m1", 1)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 record, got %d", r.Len())
	}
}

func TestMultiRecorder_AttemptsAllSinks(t *testing.T) {
	var calls []string
	ok := RecorderFunc(func(TransitionRecord) error {
		calls = append(calls, "ok")
		return nil
	})
	failing := RecorderFunc(func(TransitionRecord) error {
		calls = append(calls, "fail")
		return errors.New("sink down")
	})
	m := NewMultiRecorder(failing, ok)

	err := m.Record(makeRecord("m1", 1))
	if err == nil || err.Error() != "sink down" {
		t.Errorf("Expected first sink error, got %v", err)
	}
	if len(calls) != 2 {
		t.Errorf("Expected both sinks to be attempted, got %v", calls)
	}
}

func TestRedactor_ReplacesNestedFields(t *testing.T) {
	r := NewRedactor("password", "token")
	doc := json.RawMessage(`{"user":{"password":"secret","name":"ann"},"items":[{"token":"abc"}]}`)
	out := r.Redact(doc)
	s := string(out)
	if strings.Contains(s, "secret") || strings.Contains(s, "abc") {
		t.Errorf("Expected sensitive values to be redacted, got %s", s)
	}
	if !strings.Contains(s, "***REDACTED***") {
		t.Errorf("Expected sentinel in output, got %s", s)
	}
	if !strings.Contains(s, `"name":"ann"`) {
		t.Errorf("Expected non-sensitive fields untouched, got %s", s)
	}
}

func TestRedactor_PassesThroughInvalidJSON(t *testing.T) {
	r := NewRedactor("password")
	doc := json.RawMessage(`not json`)
	if out := r.Redact(doc); string(out) != "not json" {
		t.Errorf("Expected invalid JSON to pass through, got %s", out)
	}
}

func TestRedactor_ApplyRecomputesHashes(t *testing.T) {
	r := NewRedactor("password")
	rec := makeRecord("m1", 1)
	origBeforeHash := rec.ContextBeforeHash

	redacted := r.Apply(rec)
	if strings.Contains(string(redacted.ContextBefore), "hunter2") {
		t.Error("Expected password to be redacted from the context snapshot")
	}
	if strings.Contains(string(redacted.EventPayload), "hunter2") {
		t.Error("Expected password to be redacted from the event payload")
	}
	if redacted.ContextBeforeHash == origBeforeHash {
		t.Error("Expected hash to change after redaction")
	}
	if redacted.ContextBeforeHash != HashJSON(redacted.ContextBefore) {
		t.Error("Expected hash to match the redacted document")
	}
}

func TestRedactingRecorder(t *testing.T) {
	var captured TransitionRecord
	sink := RecorderFunc(func(rec TransitionRecord) error {
		captured = rec
		return nil
	})
	rr := NewRedactingRecorder(sink, NewRedactor("password"))
	if err := rr.Record(makeRecord("m1", 1)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if strings.Contains(string(captured.ContextAfter), "hunter2") {
		t.Error("Expected wrapped sink to see redacted records")
	}
}

func TestHashJSON_Deterministic(t *testing.T) {
	a := HashJSON(json.RawMessage(`{"x":1}`))
	b := HashJSON(json.RawMessage(`{"x":1}`))
	c := HashJSON(json.RawMessage(`{"x":2}`))
	if a != b {
		t.Error("Expected identical documents to hash equally")
	}
	if a == c {
		t.Error("Expected different documents to hash differently")
	}
	if len(a) != 64 {
		t.Errorf("Expected a sha256 hex digest of length 64, got %d", len(a))
	}
}
