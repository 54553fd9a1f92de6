package fsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists entities through a native pgx pool. Prefer this
// over SQLStore when the backend is known to be PostgreSQL: the payload is
// stored as JSONB and the pool handles connection management.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore connects a pool to dsn and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	s := &PostgresStore{pool: pool, table: "machine_entities"}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool without ensuring schema.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, table: "machine_entities"}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		machine_type TEXT NOT NULL,
		current_state TEXT NOT NULL,
		last_state_change TIMESTAMPTZ NOT NULL,
		complete BOOLEAN NOT NULL,
		version BIGINT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres store: ensure schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Save(ctx context.Context, entity *StoredEntity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("postgres store: entity with empty id")
	}
	now := time.Now().UTC()
	created := entity.CreatedAt
	if created.IsZero() {
		created = now
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(id, machine_type, current_state, last_state_change, complete, version, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			machine_type = excluded.machine_type,
			current_state = excluded.current_state,
			last_state_change = excluded.last_state_change,
			complete = excluded.complete,
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE excluded.version >= %s.version`, s.table, s.table)
	_, err := s.pool.Exec(ctx, query,
		entity.ID, entity.MachineType, entity.CurrentState, entity.LastStateChange.UTC(),
		entity.Complete, entity.Version, entity.Payload, created, now)
	if err != nil {
		return fmt.Errorf("postgres store: save %s: %w", entity.ID, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*StoredEntity, error) {
	query := fmt.Sprintf(`SELECT id, machine_type, current_state, last_state_change,
		complete, version, payload, created_at, updated_at FROM %s WHERE id = $1`, s.table)
	row := s.pool.QueryRow(ctx, query, id)
	var entity StoredEntity
	err := row.Scan(&entity.ID, &entity.MachineType, &entity.CurrentState, &entity.LastStateChange,
		&entity.Complete, &entity.Version, &entity.Payload, &entity.CreatedAt, &entity.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load %s: %w", id, err)
	}
	return &entity, nil
}

func (s *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres store: exists %s: %w", id, err)
	}
	return exists, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("postgres store: delete %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) IsComplete(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT complete FROM %s WHERE id = $1`, s.table)
	var complete bool
	err := s.pool.QueryRow(ctx, query, id).Scan(&complete)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres store: isComplete %s: %w", id, err)
	}
	return complete, nil
}
