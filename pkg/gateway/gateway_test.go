package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/pialmmh/statemachine-sub005/pkg/core"
	"github.com/pialmmh/statemachine-sub005/pkg/fsm"
)

func orderGraph() *fsm.StateGraph {
	return fsm.NewGraphBuilder("order").
		Initial("PENDING").
		State("PENDING").
		On("submit", "AWAITING_PAYMENT").
		Done().
		State("AWAITING_PAYMENT").
		On("paid", "SHIPPED").
		On("cancel", "CANCELLED").
		Done().
		State("SHIPPED").Final().Done().
		State("CANCELLED").Final().Done().
		MustBuild()
}

func orderFactory() fsm.Factory {
	graph := orderGraph()
	return func(id string) (*fsm.Machine, error) {
		return fsm.NewMachine(id, graph)
	}
}

// newTestServer serves the gateway on an in-memory listener and returns an
// http.Client wired to it.
func newTestServer(t *testing.T, cfg Config) (*fsm.Registry, *http.Client) {
	t.Helper()

	r := fsm.NewRegistry(
		fsm.WithLogger(core.NopLogger{}),
		fsm.WithDefaultFactory(orderFactory()),
	)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	s := New(r, cfg, core.NopLogger{})
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = s.server.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 3 * time.Second,
	}
	return r, client
}

func doJSON(t *testing.T, client *http.Client, method, url string, body interface{}, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	decoded := make(map[string]interface{})
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func waitForState(t *testing.T, r *fsm.Registry, id, state string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, err := r.Inspect(context.Background(), id)
		if err == nil && info.CurrentState == state {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Machine %s never reached %s", id, state)
}

func TestGateway_Healthz(t *testing.T) {
	_, client := newTestServer(t, Config{})
	resp, body := doJSON(t, client, http.MethodGet, "http://gw/healthz", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body)
	}
}

func TestGateway_SendEvent(t *testing.T) {
	r, client := newTestServer(t, Config{})
	resp, body := doJSON(t, client, http.MethodPost, "http://gw/machines/order-g1/events",
		map[string]interface{}{"eventName": "submit"}, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d (%v)", resp.StatusCode, body)
	}
	if body["machineId"] != "order-g1" {
		t.Errorf("Expected machineId order-g1, got %v", body)
	}
	waitForState(t, r, "order-g1", "AWAITING_PAYMENT")
}

func TestGateway_SendEventValidation(t *testing.T) {
	_, client := newTestServer(t, Config{})

	resp, _ := doJSON(t, client, http.MethodPost, "http://gw/machines/order-g2/events",
		map[string]interface{}{}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for a missing eventName, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, "http://gw/machines/order-g2/events",
		bytes.NewBufferString("{not json"))
	raw, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d", raw.StatusCode)
	}
}

func TestGateway_SendErrorMapping(t *testing.T) {
	r, client := newTestServer(t, Config{})

	// Drive a machine to a final state, then hit the conflict path.
	resp, _ := doJSON(t, client, http.MethodPost, "http://gw/machines/order-g3/events",
		map[string]interface{}{"eventName": "submit"}, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	waitForState(t, r, "order-g3", "AWAITING_PAYMENT")
	resp, _ = doJSON(t, client, http.MethodPost, "http://gw/machines/order-g3/events",
		map[string]interface{}{"eventName": "cancel"}, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, _ = doJSON(t, client, http.MethodPost, "http://gw/machines/order-g3/events",
			map[string]interface{}{"eventName": "submit"}, "")
		if resp.StatusCode == http.StatusConflict {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 409 for a complete machine, last status %d", resp.StatusCode)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_InspectAndDelete(t *testing.T) {
	r, client := newTestServer(t, Config{})
	if _, err := r.CreateOrGet(context.Background(), "order-g4", orderFactory()); err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}

	resp, body := doJSON(t, client, http.MethodGet, "http://gw/machines/order-g4", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["currentState"] != "PENDING" {
		t.Errorf("Expected PENDING, got %v", body)
	}

	resp, _ = doJSON(t, client, http.MethodGet, "http://gw/machines/nobody", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown machine, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodDelete, "http://gw/machines/order-g4", nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, client, http.MethodGet, "http://gw/machines/order-g4", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestGateway_Evict(t *testing.T) {
	r, client := newTestServer(t, Config{})
	if _, err := r.CreateOrGet(context.Background(), "order-g5", orderFactory()); err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}

	resp, body := doJSON(t, client, http.MethodPost, "http://gw/machines/order-g5/evict", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["evicted"] != true {
		t.Errorf("Expected evicted=true, got %v", body)
	}

	resp, body = doJSON(t, client, http.MethodPost, "http://gw/machines/order-g5/evict", nil, "")
	if resp.StatusCode != http.StatusOK || body["evicted"] != false {
		t.Errorf("Expected evicted=false for a non-live machine, got %d %v", resp.StatusCode, body)
	}
}

func TestGateway_JWTAuth(t *testing.T) {
	const secret = "test-secret"
	_, client := newTestServer(t, Config{JWTSecret: secret})

	// Health stays open without a token.
	resp, _ := doJSON(t, client, http.MethodGet, "http://gw/healthz", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected open /healthz, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodPost, "http://gw/machines/order-g6/events",
		map[string]interface{}{"eventName": "submit"}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a token, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodPost, "http://gw/machines/order-g6/events",
		map[string]interface{}{"eventName": "submit"}, "garbage")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 with a bad token, got %d", resp.StatusCode)
	}

	wrongKey := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "tester"})
	signed, err := wrongKey.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	resp, _ = doJSON(t, client, http.MethodPost, "http://gw/machines/order-g6/events",
		map[string]interface{}{"eventName": "submit"}, signed)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 with a mis-signed token, got %d", resp.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err = token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	resp, _ = doJSON(t, client, http.MethodPost, "http://gw/machines/order-g6/events",
		map[string]interface{}{"eventName": "submit"}, signed)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("Expected 202 with a valid token, got %d", resp.StatusCode)
	}
}

func TestGateway_MethodNotAllowed(t *testing.T) {
	_, client := newTestServer(t, Config{})
	resp, _ := doJSON(t, client, http.MethodPut, "http://gw/machines/order-g7", nil, "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestGateway_MetricsDisabled(t *testing.T) {
	_, client := newTestServer(t, Config{})
	resp, _ := doJSON(t, client, http.MethodGet, "http://gw/metrics", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 without a metrics handler, got %d", resp.StatusCode)
	}
}

func TestSplitMachinePath(t *testing.T) {
	cases := []struct {
		path   string
		id     string
		action string
		ok     bool
	}{
		{"/machines/m1", "m1", "", true},
		{"/machines/m1/events", "m1", "events", true},
		{"/machines/m1/evict", "m1", "evict", true},
		{"/machines/", "", "", false},
		{"/machines//events", "", "", false},
		{"/machines/m1/a/b", "", "", false},
		{"/other/m1", "", "", false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("path %s", tc.path), func(t *testing.T) {
			id, action, ok := splitMachinePath(tc.path)
			if id != tc.id || action != tc.action || ok != tc.ok {
				t.Errorf("splitMachinePath(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tc.path, id, action, ok, tc.id, tc.action, tc.ok)
			}
		})
	}
}
