package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trustcheck/internal/domain"
	"trustcheck/internal/platform/redis"
	"trustcheck/pkg/platform/sentinel"
)

// RunLock serializes runs per source. Acquire returns sentinel.ErrConflict
// when the source is already held; release is the returned func.
type RunLock interface {
	Acquire(ctx context.Context, source domain.Source) (release func(), err error)
}

// MemoryLock is the single-process lock.
type MemoryLock struct {
	mu   sync.Mutex
	held map[domain.Source]bool
}

// NewMemoryLock returns an empty lock table.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[domain.Source]bool)}
}

func (l *MemoryLock) Acquire(_ context.Context, source domain.Source) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[source] {
		return nil, fmt.Errorf("source %s locked: %w", source, sentinel.ErrConflict)
	}
	l.held[source] = true
	return func() {
		l.mu.Lock()
		delete(l.held, source)
		l.mu.Unlock()
	}, nil
}

// RedisLock coordinates runs across processes with SET NX EX. The TTL covers
// a crashed holder: the key expires and the source unblocks without manual
// intervention.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock builds a lock with the given TTL, which should exceed the
// longest expected run.
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context, source domain.Source) (func(), error) {
	key := "trustcheck:runlock:" + string(source)
	ok, err := l.client.SetNX(ctx, key, "1", l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock for %s: %w", source, err)
	}
	if !ok {
		return nil, fmt.Errorf("source %s locked: %w", source, sentinel.ErrConflict)
	}
	return func() {
		_ = l.client.Del(context.Background(), key).Err()
	}, nil
}
