package fsm

import (
	"testing"
	"time"
)

func TestBaseEntity_DeepCopyIsIndependent(t *testing.T) {
	e := NewBaseEntity("m1")
	e.SetCurrentState("PENDING")
	e.SetAttribute("tags", []interface{}{"a", "b"})
	e.SetAttribute("meta", map[string]interface{}{"tier": "gold"})

	cp := e.DeepCopy().(*BaseEntity)
	if cp.MachineID() != "m1" || cp.CurrentState() != "PENDING" {
		t.Fatalf("Copy lost fields: %+v", cp)
	}

	// Mutating the copy must not leak into the original, nested values
	// included.
	cp.SetCurrentState("SHIPPED")
	cp.Attributes["tags"].([]interface{})[0] = "z"
	cp.Attributes["meta"].(map[string]interface{})["tier"] = "bronze"

	if e.CurrentState() != "PENDING" {
		t.Errorf("Original state mutated to %s", e.CurrentState())
	}
	if got := e.Attributes["tags"].([]interface{})[0]; got != "a" {
		t.Errorf("Original slice mutated to %v", got)
	}
	if got := e.Attributes["meta"].(map[string]interface{})["tier"]; got != "gold" {
		t.Errorf("Original map mutated to %v", got)
	}
}

func TestBaseEntity_Accessors(t *testing.T) {
	e := NewBaseEntity("m2")
	if e.IsComplete() {
		t.Error("Expected a fresh entity to be incomplete")
	}
	ts := time.Unix(1700000000, 0).UTC()
	e.SetLastStateChange(ts)
	if !e.LastStateChange().Equal(ts) {
		t.Errorf("Expected %v, got %v", ts, e.LastStateChange())
	}
	e.SetComplete(true)
	if !e.IsComplete() {
		t.Error("Expected complete after SetComplete")
	}
	if _, ok := e.Attribute("missing"); ok {
		t.Error("Expected missing attribute to report ok=false")
	}
}
