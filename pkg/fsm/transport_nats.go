package fsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/pialmmh/statemachine-sub005/pkg/core"
)

// natsEventRequest is the wire form of an event arriving over the bus.
type natsEventRequest struct {
	EventName string                 `json:"eventName"`
	Payload   interface{}            `json:"payload,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// natsEventReply answers request-style publishes.
type natsEventReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NATSIngress feeds events from <prefix>.events.<machineID> into the
// registry. The machine ID is the final subject token, so one subscription
// covers every machine. Publishes with a reply subject get an ack carrying
// the Send outcome.
type NATSIngress struct {
	registry *Registry
	conn     *nats.Conn
	prefix   string
	logger   core.Logger
	sub      *nats.Subscription
	ownsConn bool
}

// NewNATSIngress connects to url and subscribes under prefix.
func NewNATSIngress(registry *Registry, url, prefix string, logger core.Logger) (*NATSIngress, error) {
	conn, err := nats.Connect(url,
		nats.Name("fsm-ingress"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats ingress: connect %s: %w", url, err)
	}
	in, err := NewNATSIngressFromConn(registry, conn, prefix, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	in.ownsConn = true
	return in, nil
}

// NewNATSIngressFromConn subscribes on an existing connection.
func NewNATSIngressFromConn(registry *Registry, conn *nats.Conn, prefix string, logger core.Logger) (*NATSIngress, error) {
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	in := &NATSIngress{registry: registry, conn: conn, prefix: prefix, logger: logger}
	sub, err := conn.Subscribe(prefix+".events.>", in.handle)
	if err != nil {
		return nil, fmt.Errorf("nats ingress: subscribe: %w", err)
	}
	in.sub = sub
	return in, nil
}

func (in *NATSIngress) handle(msg *nats.Msg) {
	id := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	if id == "" {
		in.logger.Warnf("nats ingress: subject %s carries no machine id", msg.Subject)
		return
	}
	var req natsEventRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		in.logger.Warnf("nats ingress: bad event for %s: %v", id, err)
		in.reply(msg, fmt.Errorf("malformed event: %w", err))
		return
	}
	ev := NewEvent(req.EventName, req.Payload)
	for k, v := range req.Params {
		ev.WithParam(k, v)
	}
	err := in.registry.Send(context.Background(), id, ev)
	if err != nil {
		switch {
		case errors.Is(err, ErrMachineComplete), errors.Is(err, ErrUnknownMachine):
			in.logger.Debugf("nats ingress: %s -> %s rejected: %v", req.EventName, id, err)
		default:
			in.logger.Errorf("nats ingress: %s -> %s: %v", req.EventName, id, err)
		}
	}
	in.reply(msg, err)
}

func (in *NATSIngress) reply(msg *nats.Msg, sendErr error) {
	if msg.Reply == "" {
		return
	}
	rep := natsEventReply{OK: sendErr == nil}
	if sendErr != nil {
		rep.Error = sendErr.Error()
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		in.logger.Warnf("nats ingress: reply: %v", err)
	}
}

// Close drains the subscription and, when owned, the connection.
func (in *NATSIngress) Close() error {
	var err error
	if in.sub != nil {
		err = in.sub.Drain()
	}
	if in.ownsConn {
		in.conn.Close()
	}
	return err
}
