// Package gateway exposes the registry over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/pialmmh/statemachine-sub005/pkg/core"
	"github.com/pialmmh/statemachine-sub005/pkg/fsm"
)

// Config configures the gateway server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// JWTSecret enables bearer-token auth (HS256) when non-empty.
	// /healthz and /metrics stay open.
	JWTSecret string

	// MetricsHandler, when set, is served on GET /metrics.
	MetricsHandler http.Handler
}

// Server is a fasthttp front for a registry.
//
// Routes:
//
//	GET    /healthz                  liveness
//	GET    /metrics                  prometheus scrape (optional)
//	POST   /machines/{id}/events     deliver an event
//	POST   /machines/{id}/evict      evict the live instance
//	GET    /machines/{id}            inspect a machine
//	DELETE /machines/{id}            delete machine and persisted entity
type Server struct {
	registry *fsm.Registry
	cfg      Config
	logger   core.Logger
	server   *fasthttp.Server
	metrics  fasthttp.RequestHandler
}

// eventRequest is the POST /machines/{id}/events body.
type eventRequest struct {
	EventName string                 `json:"eventName"`
	Payload   interface{}            `json:"payload,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// New creates a gateway bound to the registry.
func New(registry *fsm.Registry, cfg Config, logger core.Logger) *Server {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	s := &Server{registry: registry, cfg: cfg, logger: logger}
	if cfg.MetricsHandler != nil {
		s.metrics = fasthttpadaptor.NewFastHTTPHandler(cfg.MetricsHandler)
	}
	s.server = &fasthttp.Server{
		Handler:            s.route,
		Name:               "fsm-gateway",
		MaxRequestBodySize: 1 << 20,
	}
	return s
}

// ListenAndServe blocks serving on the configured address.
func (s *Server) ListenAndServe() error {
	s.logger.Infof("gateway listening on %s", s.cfg.Addr)
	return s.server.ListenAndServe(s.cfg.Addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.ShutdownWithContext(ctx)
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())

	switch {
	case path == "/healthz" && method == fasthttp.MethodGet:
		s.writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	case path == "/metrics" && method == fasthttp.MethodGet:
		if s.metrics == nil {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		s.metrics(ctx)
		return
	}

	if !s.authorized(ctx) {
		s.writeError(ctx, fasthttp.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	id, action, ok := splitMachinePath(path)
	if !ok {
		s.writeError(ctx, fasthttp.StatusNotFound, "not found")
		return
	}

	switch {
	case action == "events" && method == fasthttp.MethodPost:
		s.handleSend(ctx, id)
	case action == "evict" && method == fasthttp.MethodPost:
		s.handleEvict(ctx, id)
	case action == "" && method == fasthttp.MethodGet:
		s.handleInspect(ctx, id)
	case action == "" && method == fasthttp.MethodDelete:
		s.handleDelete(ctx, id)
	default:
		s.writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
	}
}

// splitMachinePath parses /machines/{id} and /machines/{id}/{action}.
func splitMachinePath(path string) (id, action string, ok bool) {
	const prefix = "/machines/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "", "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		id, action = rest[:i], rest[i+1:]
		if id == "" || strings.Contains(action, "/") {
			return "", "", false
		}
		return id, action, true
	}
	return rest, "", true
}

func (s *Server) authorized(ctx *fasthttp.RequestCtx) bool {
	if s.cfg.JWTSecret == "" {
		return true
	}
	header := string(ctx.Request.Header.Peek("Authorization"))
	const scheme = "Bearer "
	if !strings.HasPrefix(header, scheme) {
		return false
	}
	token, err := jwt.Parse(strings.TrimPrefix(header, scheme), func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}

func (s *Server) handleSend(ctx *fasthttp.RequestCtx, id string) {
	var req eventRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, "malformed event body")
		return
	}
	if req.EventName == "" {
		s.writeError(ctx, fasthttp.StatusBadRequest, "eventName is required")
		return
	}
	ev := fsm.NewEvent(req.EventName, req.Payload)
	for k, v := range req.Params {
		ev.WithParam(k, v)
	}
	if err := s.registry.Send(ctx, id, ev); err != nil {
		s.writeSendError(ctx, id, err)
		return
	}
	s.writeJSON(ctx, fasthttp.StatusAccepted, map[string]interface{}{"accepted": true, "machineId": id})
}

func (s *Server) handleEvict(ctx *fasthttp.RequestCtx, id string) {
	evicted := s.registry.Evict(id)
	s.writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"evicted": evicted, "machineId": id})
}

func (s *Server) handleInspect(ctx *fasthttp.RequestCtx, id string) {
	info, err := s.registry.Inspect(ctx, id)
	if errors.Is(err, fsm.ErrUnknownMachine) {
		s.writeError(ctx, fasthttp.StatusNotFound, "unknown machine")
		return
	}
	if err != nil {
		s.logger.Errorf("gateway: inspect %s: %v", id, err)
		s.writeError(ctx, fasthttp.StatusInternalServerError, "inspect failed")
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, info)
}

func (s *Server) handleDelete(ctx *fasthttp.RequestCtx, id string) {
	if err := s.registry.Delete(ctx, id); err != nil {
		s.logger.Errorf("gateway: delete %s: %v", id, err)
		s.writeError(ctx, fasthttp.StatusInternalServerError, "delete failed")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) writeSendError(ctx *fasthttp.RequestCtx, id string, err error) {
	switch {
	case errors.Is(err, fsm.ErrMachineComplete):
		s.writeError(ctx, fasthttp.StatusConflict, "machine is complete")
	case errors.Is(err, fsm.ErrUnknownMachine):
		s.writeError(ctx, fasthttp.StatusNotFound, "unknown machine")
	case errors.Is(err, fsm.ErrOverloaded):
		s.writeError(ctx, fasthttp.StatusTooManyRequests, "machine inbox overloaded")
	case errors.Is(err, fsm.ErrRegistryClosed):
		s.writeError(ctx, fasthttp.StatusServiceUnavailable, "registry is shutting down")
	default:
		s.logger.Errorf("gateway: send to %s: %v", id, err)
		s.writeError(ctx, fasthttp.StatusInternalServerError, "send failed")
	}
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	s.writeJSON(ctx, status, map[string]string{"error": msg})
}
