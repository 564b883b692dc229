// Package idempotency deduplicates transition requests. Clients retrying a
// POST send the same Idempotency-Key header; the first execution's response
// is cached and replayed for subsequent attempts, so a retried submit cannot
// fire the transition twice.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openattest/certflow/model"
)

// CachedResponse is the replayable outcome of a previously executed request.
type CachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store caches responses keyed by idempotency key. The key format is
// "idem:transition:{instanceId}:{key}".
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// input hash matches, the cached response is returned. If the key exists
	// but the hash differs, a CONFLICT error is returned.
	Check(ctx context.Context, key string, inputHash string) (resp *CachedResponse, found bool, err error)

	// Save caches a response under the idempotency key with a TTL.
	Save(ctx context.Context, key string, inputHash string, resp CachedResponse, ttl time.Duration) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	InputHash string         `json:"input_hash"`
	Response  CachedResponse `json:"response"`
}

// Key builds the standard idempotency key for a transition request.
func Key(instanceID, key string) string {
	return fmt.Sprintf("idem:transition:%s:%s", instanceID, key)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
	}
}

// Check looks up a cached response. Expired entries are dropped lazily.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*CachedResponse, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	resp := e.data.Response
	return &resp, true, nil
}

// Save caches a response with a TTL.
func (s *MemoryStore) Save(_ context.Context, key string, inputHash string, resp CachedResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Response: resp},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store for multi-instance deployments.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached response in Redis.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*CachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	return &e.Response, true, nil
}

// Save caches a response in Redis with a TTL.
func (s *RedisStore) Save(ctx context.Context, key string, inputHash string, resp CachedResponse, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
