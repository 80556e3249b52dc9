package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "tradematch:notify:last:"

// RedisRateLimitStore claims notification slots with SET NX PX so the limit
// holds across engine instances.
type RedisRateLimitStore struct {
	client *redis.Client
}

func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

func (s *RedisRateLimitStore) Acquire(ctx context.Context, userID uuid.UUID, window time.Duration) (bool, error) {
	return s.client.SetNX(ctx, rateLimitKeyPrefix+userID.String(), time.Now().Unix(), window).Result()
}

// MemoryRateLimitStore is the single-process implementation for tests.
type MemoryRateLimitStore struct {
	lastNotified map[uuid.UUID]time.Time
	mu           sync.Mutex
}

func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{lastNotified: make(map[uuid.UUID]time.Time)}
}

func (s *MemoryRateLimitStore) Acquire(ctx context.Context, userID uuid.UUID, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastNotified[userID]; ok && time.Since(last) < window {
		return false, nil
	}
	s.lastNotified[userID] = time.Now()
	return true, nil
}

// StaticPreferenceStore serves preferences from memory. Unknown users get
// the default: opted in on the in-app channel.
type StaticPreferenceStore struct {
	prefs map[uuid.UUID]*Preferences
	mu    sync.RWMutex
}

func NewStaticPreferenceStore() *StaticPreferenceStore {
	return &StaticPreferenceStore{prefs: make(map[uuid.UUID]*Preferences)}
}

func (s *StaticPreferenceStore) Put(p *Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = p
}

func (s *StaticPreferenceStore) GetPreferences(ctx context.Context, userID uuid.UUID) (*Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prefs[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return &Preferences{UserID: userID, Channels: []string{"in_app"}}, nil
}
