package fsm

import (
	"context"
	"encoding/json"
	"time"
)

// StoredEntity is the storage-engine-neutral row for one machine. Payload
// carries the JSON form of the full persistent entity; the flat columns
// exist so backends can query without decoding it.
type StoredEntity struct {
	ID              string          `json:"id"`
	MachineType     string          `json:"machineType"`
	CurrentState    string          `json:"currentState"`
	LastStateChange time.Time       `json:"lastStateChange"`
	Complete        bool            `json:"complete"`
	Version         uint64          `json:"version"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Store is the persistence port. All operations are keyed by machine ID.
//
// Contracts: Save is an upsert, atomic per ID, applied last-write-wins on
// (id, version); saves for one ID must be applied in submission order
// (the engine already serializes them per machine). Load returns (nil, nil)
// when the ID has never been persisted. Implementations must be safe for
// concurrent calls with distinct IDs.
type Store interface {
	Save(ctx context.Context, entity *StoredEntity) error
	Load(ctx context.Context, id string) (*StoredEntity, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	IsComplete(ctx context.Context, id string) (bool, error)
}

func (s *StoredEntity) deepCopy() *StoredEntity {
	cp := *s
	if s.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	return &cp
}
