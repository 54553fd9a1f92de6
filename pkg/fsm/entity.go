package fsm

import (
	"time"
)

// Entity is the durable per-machine record. Implementations must be
// JSON-encodable; the registry persists and reloads them through the Store
// port. Domain entities usually embed BaseEntity and add their own fields.
type Entity interface {
	// MachineID equals the owning machine's ID.
	MachineID() string

	CurrentState() string
	SetCurrentState(state string)

	LastStateChange() time.Time
	SetLastStateChange(ts time.Time)

	IsComplete() bool
	SetComplete(complete bool)

	// DeepCopy returns a value-equal independent copy. Hooks use it to hand
	// entity snapshots outside the event loop without racing later
	// mutations; record snapshots are taken separately as canonical JSON.
	DeepCopy() Entity
}

// BaseEntity is the stock Entity implementation. Embed it in a domain
// struct to add payload fields; keep the embedded fields exported so JSON
// round-trips through persistence.
type BaseEntity struct {
	ID         string                 `json:"id"`
	State      string                 `json:"currentState"`
	LastChange time.Time              `json:"lastStateChange"`
	Complete   bool                   `json:"complete"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// NewBaseEntity creates an entity for the given machine ID.
func NewBaseEntity(id string) *BaseEntity {
	return &BaseEntity{
		ID:         id,
		LastChange: time.Now().UTC(),
	}
}

func (e *BaseEntity) MachineID() string    { return e.ID }
func (e *BaseEntity) CurrentState() string { return e.State }
func (e *BaseEntity) SetCurrentState(s string) {
	e.State = s
}

func (e *BaseEntity) LastStateChange() time.Time      { return e.LastChange }
func (e *BaseEntity) SetLastStateChange(ts time.Time) { e.LastChange = ts }

func (e *BaseEntity) IsComplete() bool          { return e.Complete }
func (e *BaseEntity) SetComplete(complete bool) { e.Complete = complete }

// DeepCopy copies the entity including nested attribute values.
func (e *BaseEntity) DeepCopy() Entity {
	cp := *e
	cp.Attributes = deepCopyMap(e.Attributes)
	return &cp
}

// SetAttribute stores a payload value, allocating the map on first use.
func (e *BaseEntity) SetAttribute(key string, value interface{}) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]interface{})
	}
	e.Attributes[key] = value
}

// Attribute reads a payload value.
func (e *BaseEntity) Attribute(key string) (interface{}, bool) {
	v, ok := e.Attributes[key]
	return v, ok
}

func deepCopyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		// Scalars (and anything else) copy by value. Pointer-shaped payload
		// values are the caller's responsibility to keep immutable.
		return v
	}
}
