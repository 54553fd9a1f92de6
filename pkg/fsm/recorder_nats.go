package fsm

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultNATSSubjectPrefix roots all registry subjects on the bus.
const DefaultNATSSubjectPrefix = "fsm"

// NATSRecorder publishes every transition record to
// <prefix>.records.<machineType>. Downstream consumers (audit stores,
// dashboards) subscribe with their own durability needs; publishing is
// fire-and-forget.
type NATSRecorder struct {
	conn     *nats.Conn
	prefix   string
	ownsConn bool
}

// NewNATSRecorder connects to url and publishes under prefix.
func NewNATSRecorder(url, prefix string) (*NATSRecorder, error) {
	conn, err := nats.Connect(url,
		nats.Name("fsm-recorder"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats recorder: connect %s: %w", url, err)
	}
	r := NewNATSRecorderFromConn(conn, prefix)
	r.ownsConn = true
	return r, nil
}

// NewNATSRecorderFromConn wraps an existing connection. The caller keeps
// ownership of the connection.
func NewNATSRecorderFromConn(conn *nats.Conn, prefix string) *NATSRecorder {
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	return &NATSRecorder{conn: conn, prefix: prefix}
}

func (r *NATSRecorder) Record(rec TransitionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("nats recorder: marshal record v%d for %s: %w", rec.Version, rec.MachineID, err)
	}
	subject := fmt.Sprintf("%s.records.%s", r.prefix, rec.MachineType)
	if err := r.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats recorder: publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending publishes and, when the recorder owns the
// connection, closes it.
func (r *NATSRecorder) Close() error {
	err := r.conn.Flush()
	if r.ownsConn {
		r.conn.Close()
	}
	return err
}
