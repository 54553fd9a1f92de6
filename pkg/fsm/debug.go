package fsm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Debug message types pushed to websocket clients.
const (
	msgCurrentState   = "CURRENT_STATE"
	msgStateChange    = "STATE_CHANGE"
	msgPeriodicUpdate = "PERIODIC_UPDATE"
	msgEventMetadata  = "EVENT_METADATA_UPDATE"
)

// Client actions accepted on the websocket.
const (
	actionGetState  = "GET_STATE"
	actionSendEvent = "SEND_EVENT"
)

const (
	periodicInterval = 5 * time.Second
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
)

// debugMessage is the envelope for every server-to-client push.
type debugMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// debugAction is the envelope for client-to-server requests.
type debugAction struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// transitionView is the STATE_CHANGE payload. Payload and context documents
// are base64-wrapped so clients can treat them as opaque blobs.
type transitionView struct {
	MachineID     string `json:"machineId"`
	MachineType   string `json:"machineType"`
	Version       uint64 `json:"version"`
	StateBefore   string `json:"stateBefore"`
	StateAfter    string `json:"stateAfter"`
	EventName     string `json:"eventName"`
	EventPayload  string `json:"eventPayload,omitempty"`
	EventParams   string `json:"eventParams,omitempty"`
	ContextBefore string `json:"contextBefore,omitempty"`
	ContextAfter  string `json:"contextAfter,omitempty"`
	DurationMs    uint64 `json:"transitionDurationMs"`
	Timestamp     string `json:"timestamp"`
	HookFailed    bool   `json:"hookFailed,omitempty"`
	PersistFailed bool   `json:"persistFailed,omitempty"`
}

// periodicView is the PERIODIC_UPDATE payload.
type periodicView struct {
	RunID      string   `json:"runId"`
	LiveCount  int      `json:"liveCount"`
	MachineIDs []string `json:"machineIds"`
}

// graphView is one entry of the EVENT_METADATA_UPDATE payload.
type graphView struct {
	MachineType string           `json:"machineType"`
	Initial     string           `json:"initial"`
	States      []StateMeta      `json:"states"`
	Transitions []TransitionMeta `json:"transitions"`
}

// DebugServer streams live transition activity to websocket clients and
// accepts debug actions back. One server per registry, started through
// Registry.EnableLiveDebug.
type DebugServer struct {
	registry *Registry
	port     int
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*debugClient]struct{}
	server   *http.Server
	listener net.Listener
	stopped  bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

type debugClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewDebugServer creates a server bound to the registry. Call Start to
// begin listening.
func NewDebugServer(r *Registry, port int) *DebugServer {
	return &DebugServer{
		registry: r,
		port:     port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Debug tooling connects from anywhere on a dev box.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*debugClient]struct{}),
		stop:    make(chan struct{}),
	}
}

// Start binds the listener and launches the HTTP server plus the periodic
// broadcaster. Returns bind errors synchronously.
func (d *DebugServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", d.port))
	if err != nil {
		return fmt.Errorf("debug server: listen on %d: %w", d.port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	d.mu.Lock()
	d.listener = ln
	d.server = &http.Server{Handler: mux}
	d.mu.Unlock()

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.registry.logger.Errorf("debug server: %v", err)
		}
	}()
	go d.periodicLoop()

	d.registry.logger.Infof("live debug server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, useful when started on port 0.
func (d *DebugServer) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Stop closes all clients and shuts the listener down.
func (d *DebugServer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stop)
	server := d.server
	clients := make([]*debugClient, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.clients = make(map[*debugClient]struct{})
	d.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		_ = c.conn.Close()
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	d.wg.Wait()
}

func (d *DebugServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.registry.logger.Warnf("debug server: upgrade: %v", err)
		return
	}
	c := &debugClient{conn: conn, send: make(chan []byte, clientSendBuffer)}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		_ = conn.Close()
		return
	}
	d.clients[c] = struct{}{}
	d.mu.Unlock()

	go d.writePump(c)
	d.sendTo(c, msgEventMetadata, d.graphMetadata())
	d.sendTo(c, msgCurrentState, d.currentState())
	d.readPump(c)
}

func (d *DebugServer) unregister(c *debugClient) {
	d.mu.Lock()
	if _, ok := d.clients[c]; ok {
		delete(d.clients, c)
		close(c.send)
	}
	d.mu.Unlock()
	_ = c.conn.Close()
}

func (d *DebugServer) readPump(c *debugClient) {
	defer d.unregister(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var act debugAction
		if err := json.Unmarshal(data, &act); err != nil {
			d.registry.logger.Warnf("debug server: bad action: %v", err)
			continue
		}
		d.handleAction(c, act)
	}
}

func (d *DebugServer) writePump(c *debugClient) {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (d *DebugServer) handleAction(c *debugClient, act debugAction) {
	switch act.Action {
	case actionGetState:
		d.sendTo(c, msgCurrentState, d.currentState())
	case actionSendEvent:
		var req struct {
			MachineID string                 `json:"machineId"`
			EventName string                 `json:"eventName"`
			Payload   interface{}            `json:"payload"`
			Params    map[string]interface{} `json:"params"`
		}
		if err := json.Unmarshal(act.Payload, &req); err != nil {
			d.registry.logger.Warnf("debug server: bad SEND_EVENT payload: %v", err)
			return
		}
		ev := NewEvent(req.EventName, req.Payload)
		for k, v := range req.Params {
			ev.WithParam(k, v)
		}
		if err := d.registry.Send(context.Background(), req.MachineID, ev); err != nil {
			d.registry.logger.Warnf("debug server: SEND_EVENT %s -> %s: %v", req.EventName, req.MachineID, err)
		}
	default:
		d.registry.logger.Debugf("debug server: unknown action %q", act.Action)
	}
}

// BroadcastTransition pushes a STATE_CHANGE to every connected client.
// Called by the registry for each published record.
func (d *DebugServer) BroadcastTransition(rec TransitionRecord) {
	view := transitionView{
		MachineID:     rec.MachineID,
		MachineType:   rec.MachineType,
		Version:       rec.Version,
		StateBefore:   rec.StateBefore,
		StateAfter:    rec.StateAfter,
		EventName:     rec.EventName,
		DurationMs:    rec.DurationMs,
		Timestamp:     rec.Timestamp.Format(time.RFC3339Nano),
		HookFailed:    rec.HookFailed,
		PersistFailed: rec.PersistFailed,
	}
	if len(rec.EventPayload) > 0 {
		view.EventPayload = base64.StdEncoding.EncodeToString(rec.EventPayload)
	}
	if len(rec.EventParams) > 0 {
		view.EventParams = base64.StdEncoding.EncodeToString(rec.EventParams)
	}
	if len(rec.ContextBefore) > 0 {
		view.ContextBefore = base64.StdEncoding.EncodeToString(rec.ContextBefore)
	}
	if len(rec.ContextAfter) > 0 {
		view.ContextAfter = base64.StdEncoding.EncodeToString(rec.ContextAfter)
	}
	d.broadcast(msgStateChange, view)
}

func (d *DebugServer) currentState() []MachineInfo {
	r := d.registry
	infos := make([]MachineInfo, 0)
	for _, id := range r.LiveIDs() {
		if info, err := r.Inspect(context.Background(), id); err == nil {
			infos = append(infos, *info)
		}
	}
	return infos
}

func (d *DebugServer) graphMetadata() []graphView {
	r := d.registry
	seen := make(map[string]bool)
	views := make([]graphView, 0)
	for _, id := range r.LiveIDs() {
		m := r.liveMachine(id)
		if m == nil || seen[m.MachineType()] {
			continue
		}
		seen[m.MachineType()] = true
		states, transitions := m.Graph().Metadata()
		views = append(views, graphView{
			MachineType: m.MachineType(),
			Initial:     m.Graph().Initial(),
			States:      states,
			Transitions: transitions,
		})
	}
	return views
}

func (d *DebugServer) periodicLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(periodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.broadcast(msgPeriodicUpdate, periodicView{
				RunID:      d.registry.runID,
				LiveCount:  d.registry.LiveCount(),
				MachineIDs: d.registry.LiveIDs(),
			})
		case <-d.stop:
			return
		}
	}
}

func (d *DebugServer) broadcast(msgType string, payload interface{}) {
	data, err := json.Marshal(debugMessage{Type: msgType, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		d.registry.logger.Errorf("debug server: marshal %s: %v", msgType, err)
		return
	}
	d.mu.Lock()
	for c := range d.clients {
		select {
		case c.send <- data:
		default:
			// Slow clients drop messages rather than stall the engine.
		}
	}
	d.mu.Unlock()
}

func (d *DebugServer) sendTo(c *debugClient, msgType string, payload interface{}) {
	data, err := json.Marshal(debugMessage{Type: msgType, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		d.registry.logger.Errorf("debug server: marshal %s: %v", msgType, err)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
