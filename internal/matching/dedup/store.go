package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tradematch:dedup:"

// RedisStore backs the recent-match store with Redis so duplicate detection
// is shared across engine instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Fingerprint, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fp Fingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, fmt.Errorf("decode fingerprint: %w", err)
	}
	return &fp, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, fp *Fingerprint, ttl time.Duration) error {
	raw, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err()
}

// MemoryStore is the in-process implementation used by tests and
// single-instance deployments.
type MemoryStore struct {
	entries map[string]memoryEntry
	mu      sync.RWMutex
}

type memoryEntry struct {
	fp        Fingerprint
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	fp := e.fp
	return &fp, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, fp *Fingerprint, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{fp: *fp, expiresAt: time.Now().Add(ttl)}
	return nil
}
