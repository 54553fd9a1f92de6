package fsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// saveScript implements the version-guarded upsert atomically: the write
// only lands when the stored version is absent or not newer.
var saveScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local decoded = cjson.decode(cur)
	if tonumber(decoded['version']) > tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// RedisStore persists entities as JSON values under a key prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix defaults to "fsm:entity:".
	KeyPrefix string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "fsm:entity:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "fsm:entity:"
	}
	return &RedisStore{client: client, prefix: keyPrefix}
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Save(ctx context.Context, entity *StoredEntity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("redis store: entity with empty id")
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("redis store: marshal %s: %w", entity.ID, err)
	}
	err = saveScript.Run(ctx, s.client, []string{s.key(entity.ID)}, string(data), entity.Version).Err()
	if err != nil {
		return fmt.Errorf("redis store: save %s: %w", entity.ID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*StoredEntity, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: load %s: %w", id, err)
	}
	var entity StoredEntity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, fmt.Errorf("redis store: unmarshal %s: %w", id, err)
	}
	return &entity, nil
}

func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis store: exists %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis store: delete %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) IsComplete(ctx context.Context, id string) (bool, error) {
	entity, err := s.Load(ctx, id)
	if err != nil || entity == nil {
		return false, err
	}
	return entity.Complete, nil
}
