package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvals/model"
)

// Locker serializes advancement of a single instance. Acquire blocks until
// the key is free, the wait budget is spent, or ctx is done. The returned
// release function must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LockKey returns the lock key guarding an instance.
func LockKey(instanceID string) string {
	return "approvals:instance:" + instanceID
}

func busyError(key string) error {
	return model.NewConflictError(fmt.Sprintf("%s is busy, retry later", key))
}

// --- MemoryLocker ---

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	wait time.Duration

	mu    sync.Mutex
	locks map[string]*memoryLock
}

type memoryLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates a process-local locker. A positive wait bounds how
// long Acquire blocks before returning CONFLICT.
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{
		wait:  wait,
		locks: make(map[string]*memoryLock),
	}
}

// Acquire takes the lock for key.
func (l *MemoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &memoryLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case lk.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lk.ch
				l.unref(key, lk)
			})
		}, nil
	case <-waitCtx.Done():
		l.unref(key, lk)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, busyError(key)
	}
}

func (l *MemoryLocker) unref(key string, lk *memoryLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

// HealthCheck always succeeds.
func (l *MemoryLocker) HealthCheck(context.Context) error {
	return nil
}

// --- RedisLocker ---

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const redisRetryInterval = 25 * time.Millisecond

// RedisLocker is a Locker shared between processes through Redis.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker creates a Redis-backed locker. ttl bounds how long a
// crashed holder keeps the lock; wait bounds how long Acquire retries.
func NewRedisLocker(client redis.Cmdable, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait}
}

// Acquire takes the lock for key, polling until wait elapses.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if ok {
			return func() {
				// Errors leave the key to expire on its own.
				_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, busyError(key)
		}

		timer := time.NewTimer(redisRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// HealthCheck pings Redis.
func (l *RedisLocker) HealthCheck(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
