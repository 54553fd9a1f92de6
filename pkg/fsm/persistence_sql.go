package fsm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore persists entities through database/sql. It is written against
// the common subset of SQLite and PostgreSQL: the upsert uses
// ON CONFLICT ... DO UPDATE with a version guard so stale writers lose.
//
// Callers own the *sql.DB (driver registration, pooling, Close).
type SQLStore struct {
	db       *sql.DB
	table    string
	postgres bool
}

// SQLStoreOption configures a SQLStore.
type SQLStoreOption func(*SQLStore)

// WithTable overrides the default table name "machine_entities".
func WithTable(name string) SQLStoreOption {
	return func(s *SQLStore) { s.table = name }
}

// WithPostgresPlaceholders switches parameter placeholders to $1..$n for
// drivers like lib/pq that do not accept '?'.
func WithPostgresPlaceholders() SQLStoreOption {
	return func(s *SQLStore) { s.postgres = true }
}

// NewSQLStore wraps db. Call EnsureSchema once before use.
func NewSQLStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{db: db, table: "machine_entities"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the entity table when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		machine_type TEXT NOT NULL,
		current_state TEXT NOT NULL,
		last_state_change TIMESTAMP NOT NULL,
		complete BOOLEAN NOT NULL,
		version BIGINT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sql store: ensure schema: %w", err)
	}
	return nil
}

func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *SQLStore) Save(ctx context.Context, entity *StoredEntity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("sql store: entity with empty id")
	}
	now := time.Now().UTC()
	created := entity.CreatedAt
	if created.IsZero() {
		created = now
	}
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s
		(id, machine_type, current_state, last_state_change, complete, version, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			machine_type = excluded.machine_type,
			current_state = excluded.current_state,
			last_state_change = excluded.last_state_change,
			complete = excluded.complete,
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE excluded.version >= %s.version`, s.table, s.table))
	_, err := s.db.ExecContext(ctx, query,
		entity.ID, entity.MachineType, entity.CurrentState, entity.LastStateChange.UTC(),
		entity.Complete, entity.Version, string(entity.Payload), created, now)
	if err != nil {
		return fmt.Errorf("sql store: save %s: %w", entity.ID, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, id string) (*StoredEntity, error) {
	query := s.rebind(fmt.Sprintf(`SELECT id, machine_type, current_state, last_state_change,
		complete, version, payload, created_at, updated_at FROM %s WHERE id = ?`, s.table))
	row := s.db.QueryRowContext(ctx, query, id)
	var entity StoredEntity
	var payload string
	err := row.Scan(&entity.ID, &entity.MachineType, &entity.CurrentState, &entity.LastStateChange,
		&entity.Complete, &entity.Version, &payload, &entity.CreatedAt, &entity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sql store: load %s: %w", id, err)
	}
	entity.Payload = []byte(payload)
	return &entity, nil
}

func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	query := s.rebind(fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, s.table))
	var one int
	err := s.db.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sql store: exists %s: %w", id, err)
	}
	return true, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table))
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("sql store: delete %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) IsComplete(ctx context.Context, id string) (bool, error) {
	query := s.rebind(fmt.Sprintf(`SELECT complete FROM %s WHERE id = ?`, s.table))
	var complete bool
	err := s.db.QueryRowContext(ctx, query, id).Scan(&complete)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sql store: isComplete %s: %w", id, err)
	}
	return complete, nil
}
