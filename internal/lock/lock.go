// Package lock provides per-instance mutual exclusion for transition
// execution, so at most one transition mutates a workflow instance at a time.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openattest/certflow/model"
)

// Locker acquires an exclusive lock for a workflow instance. Acquire returns
// a release function on success, or a CONFLICT error when the lock is already
// held.
type Locker interface {
	Acquire(ctx context.Context, instanceID string) (release func(), err error)
}

// --- MemoryLocker ---

// MemoryLocker is an in-process Locker. Suitable for testing and
// single-instance deployments.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLocker creates a new in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]bool),
	}
}

// Acquire try-locks the instance. It does not block waiting for the holder.
func (l *MemoryLocker) Acquire(_ context.Context, instanceID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[instanceID] {
		return nil, model.NewConflictError(
			fmt.Sprintf("transition already in progress for instance %q", instanceID),
		)
	}
	l.held[instanceID] = true

	return func() {
		l.mu.Lock()
		delete(l.held, instanceID)
		l.mu.Unlock()
	}, nil
}

// --- RedisLocker ---

// releaseScript deletes the lock key only when it still holds our token, so
// a lock that expired and was re-acquired elsewhere is never released by us.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// RedisLocker is a Redis-backed Locker for multi-instance deployments. Locks
// carry a TTL so a crashed holder cannot wedge an instance forever.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisLocker creates a new Redis-backed locker.
func NewRedisLocker(client redis.Cmdable, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Acquire sets the lock key with SET NX. It does not block waiting for the
// holder.
func (l *RedisLocker) Acquire(ctx context.Context, instanceID string) (func(), error) {
	key := lockKey(instanceID)
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if !ok {
		return nil, model.NewConflictError(
			fmt.Sprintf("transition already in progress for instance %q", instanceID),
		)
	}

	return func() {
		// Best effort; TTL reclaims the lock if the release is lost.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.client.Eval(ctx, releaseScript, []string{key}, token).Err()
	}, nil
}

// HealthCheck verifies Redis connectivity.
func (l *RedisLocker) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// lockKey builds the standard lock key.
func lockKey(instanceID string) string {
	return fmt.Sprintf("lock:instance:%s", instanceID)
}
