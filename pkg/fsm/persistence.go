package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MemoryStore keeps entities in a map. Useful for tests and as the default
// store when none is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*StoredEntity
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[string]*StoredEntity)}
}

func (s *MemoryStore) Save(_ context.Context, entity *StoredEntity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("memory store: entity with empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entities[entity.ID]; ok && prev.Version > entity.Version {
		// Last-write-wins on (id, version): stale writers lose silently.
		return nil
	}
	s.entities[entity.ID] = entity.deepCopy()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*StoredEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	return entity.deepCopy(), nil
}

func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[id]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
	return nil
}

func (s *MemoryStore) IsComplete(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[id]
	return ok && entity.Complete, nil
}

// Len returns the number of persisted machines. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// FileStore persists one JSON file per machine under a directory.
type FileStore struct {
	directory string
	mu        sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(directory string) (*FileStore, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{directory: directory}, nil
}

func (s *FileStore) path(id string) string {
	// Machine IDs are opaque strings; flatten path separators so an ID
	// cannot escape the store directory.
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(id)
	return filepath.Join(s.directory, safe+".json")
}

func (s *FileStore) Save(_ context.Context, entity *StoredEntity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("file store: entity with empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, err := s.read(entity.ID); err == nil && prev != nil && prev.Version > entity.Version {
		return nil
	}
	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	tmp := s.path(entity.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write entity file: %w", err)
	}
	if err := os.Rename(tmp, s.path(entity.ID)); err != nil {
		return fmt.Errorf("failed to publish entity file: %w", err)
	}
	return nil
}

func (s *FileStore) read(id string) (*StoredEntity, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read entity file: %w", err)
	}
	var entity StoredEntity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}
	return &entity, nil
}

func (s *FileStore) Load(_ context.Context, id string) (*StoredEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *FileStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) IsComplete(ctx context.Context, id string) (bool, error) {
	entity, err := s.Load(ctx, id)
	if err != nil || entity == nil {
		return false, err
	}
	return entity.Complete, nil
}
