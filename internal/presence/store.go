package presence

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the key-value backing for the registry. Implementations must
// make Set/Get/Del atomic per key; no multi-key operations are needed.
type Store interface {
	Set(ctx context.Context, userID, connID string) error
	Get(ctx context.Context, userID string) (connID string, ok bool, err error)
	Del(ctx context.Context, userID string) error
}

const keyPrefix = "presence:"

// Entries expire as a safety net against crashed processes that never
// ran their disconnect cleanup; live connections stay registered far
// longer than this because every reconnect rewrites the entry.
const entryTTL = 24 * time.Hour

// RedisStore backs the registry with Redis so any server instance can
// resolve presence.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Set(ctx context.Context, userID, connID string) error {
	return s.client.Set(ctx, keyPrefix+userID, connID, entryTTL).Err()
}

func (s *RedisStore) Get(ctx context.Context, userID string) (string, bool, error) {
	connID, err := s.client.Get(ctx, keyPrefix+userID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return connID, true, nil
}

func (s *RedisStore) Del(ctx context.Context, userID string) error {
	return s.client.Del(ctx, keyPrefix+userID).Err()
}

// MemoryStore is an in-memory Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (s *MemoryStore) Set(_ context.Context, userID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = connID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connID, ok := s.entries[userID]
	return connID, ok, nil
}

func (s *MemoryStore) Del(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}
