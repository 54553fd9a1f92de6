package fsm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startDebugServer(t *testing.T, r *Registry) *DebugServer {
	t.Helper()
	d := NewDebugServer(r, 0)
	if err := d.Start(); err != nil {
		t.Fatalf("Failed to start debug server: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func dialDebug(t *testing.T, d *DebugServer) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", d.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) debugMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg debugMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Expected a %s message, read failed: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestDebugServer_InitialMessages(t *testing.T) {
	r := newTestRegistry(t)
	graph := orderGraph()
	if _, err := r.CreateOrGet(context.Background(), "dbg-1", orderFactory(graph)); err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}

	d := startDebugServer(t, r)
	conn := dialDebug(t, d)

	meta := readUntil(t, conn, msgEventMetadata)
	metaJSON, _ := json.Marshal(meta.Payload)
	var graphs []graphView
	if err := json.Unmarshal(metaJSON, &graphs); err != nil {
		t.Fatalf("Failed to decode graph metadata: %v", err)
	}
	if len(graphs) != 1 || graphs[0].MachineType != "order" {
		t.Fatalf("Expected metadata for the order graph, got %+v", graphs)
	}
	if graphs[0].Initial != "PENDING" {
		t.Errorf("Expected initial PENDING, got %s", graphs[0].Initial)
	}

	state := readUntil(t, conn, msgCurrentState)
	stateJSON, _ := json.Marshal(state.Payload)
	var infos []MachineInfo
	if err := json.Unmarshal(stateJSON, &infos); err != nil {
		t.Fatalf("Failed to decode current state: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "dbg-1" || infos[0].CurrentState != "PENDING" {
		t.Fatalf("Expected dbg-1 in PENDING, got %+v", infos)
	}
}

func TestDebugServer_BroadcastsTransitions(t *testing.T) {
	r := newTestRegistry(t)
	r.EnableSnapshotDebug()
	graph := orderGraph()
	if _, err := r.CreateOrGet(context.Background(), "dbg-2", orderFactory(graph)); err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}

	d := startDebugServer(t, r)
	r.debugMu.Lock()
	r.liveDebug = d
	r.debugMu.Unlock()

	conn := dialDebug(t, d)
	readUntil(t, conn, msgCurrentState)

	if err := r.Send(context.Background(), "dbg-2", NewEvent("submit", map[string]interface{}{"channel": "web"})); err != nil {
		t.Fatalf("Failed to send submit: %v", err)
	}

	change := readUntil(t, conn, msgStateChange)
	changeJSON, _ := json.Marshal(change.Payload)
	var view transitionView
	if err := json.Unmarshal(changeJSON, &view); err != nil {
		t.Fatalf("Failed to decode state change: %v", err)
	}
	if view.MachineID != "dbg-2" || view.StateAfter != "AWAITING_PAYMENT" || view.Version != 1 {
		t.Fatalf("Unexpected state change %+v", view)
	}
	// Snapshot debug is on, so the contexts ride along base64-wrapped.
	decoded, err := base64.StdEncoding.DecodeString(view.ContextAfter)
	if err != nil {
		t.Fatalf("Failed to decode context: %v", err)
	}
	var entity map[string]interface{}
	if err := json.Unmarshal(decoded, &entity); err != nil {
		t.Fatalf("Expected base64-wrapped JSON context, got %s", decoded)
	}
	if entity["currentState"] != "AWAITING_PAYMENT" {
		t.Errorf("Expected context currentState AWAITING_PAYMENT, got %v", entity["currentState"])
	}
	// The event payload rides along base64-wrapped like the contexts.
	payloadJSON, err := base64.StdEncoding.DecodeString(view.EventPayload)
	if err != nil {
		t.Fatalf("Failed to decode event payload: %v", err)
	}
	var eventPayload map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &eventPayload); err != nil {
		t.Fatalf("Expected base64-wrapped JSON payload, got %s", payloadJSON)
	}
	if eventPayload["channel"] != "web" {
		t.Errorf("Expected payload channel web, got %v", eventPayload["channel"])
	}
}

func TestDebugServer_GetStateAction(t *testing.T) {
	r := newTestRegistry(t)
	graph := orderGraph()
	if _, err := r.CreateOrGet(context.Background(), "dbg-3", orderFactory(graph)); err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}

	d := startDebugServer(t, r)
	conn := dialDebug(t, d)
	readUntil(t, conn, msgCurrentState)

	if err := conn.WriteJSON(debugAction{Action: actionGetState}); err != nil {
		t.Fatalf("Failed to write action: %v", err)
	}
	state := readUntil(t, conn, msgCurrentState)
	stateJSON, _ := json.Marshal(state.Payload)
	var infos []MachineInfo
	if err := json.Unmarshal(stateJSON, &infos); err != nil {
		t.Fatalf("Failed to decode current state: %v", err)
	}
	if len(infos) != 1 {
		t.Errorf("Expected 1 machine in GET_STATE reply, got %d", len(infos))
	}
}

func TestDebugServer_SendEventAction(t *testing.T) {
	r := newTestRegistry(t)
	graph := orderGraph()
	if _, err := r.CreateOrGet(context.Background(), "dbg-4", orderFactory(graph)); err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}

	d := startDebugServer(t, r)
	conn := dialDebug(t, d)
	readUntil(t, conn, msgCurrentState)

	payload, _ := json.Marshal(map[string]interface{}{
		"machineId": "dbg-4",
		"eventName": "submit",
	})
	if err := conn.WriteJSON(debugAction{Action: actionSendEvent, Payload: payload}); err != nil {
		t.Fatalf("Failed to write action: %v", err)
	}
	waitForState(t, r, "dbg-4", "AWAITING_PAYMENT")
}

func TestRegistry_EnableLiveDebug(t *testing.T) {
	r := newTestRegistry(t)
	if r.LiveDebugEnabled() {
		t.Fatal("Expected live debug off by default")
	}
	if err := r.EnableLiveDebug(0); err != nil {
		t.Fatalf("EnableLiveDebug failed: %v", err)
	}
	if !r.LiveDebugEnabled() {
		t.Error("Expected live debug on")
	}
	// Live debug implies snapshot debug.
	if !r.SnapshotDebugEnabled() {
		t.Error("Expected snapshot debug to be implied by live debug")
	}
	r.DisableAllDebug()
	if r.LiveDebugEnabled() || r.SnapshotDebugEnabled() {
		t.Error("Expected both debug modes off after DisableAllDebug")
	}
}
