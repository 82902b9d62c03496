package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// Lua script for safe lock release (only owner can release)
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	// Lua script for lock extension
	extendLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Locker hands out distributed locks under a common key namespace.
type Locker struct {
	client    redis.UniversalClient
	namespace string
}

// NewLocker creates a Locker whose keys are prefixed with "lock:<namespace>:".
func NewLocker(client redis.UniversalClient, namespace string) *Locker {
	return &Locker{client: client, namespace: namespace}
}

// Acquire takes the lock for key. It fails with ErrLockAcquisitionFailed when
// another holder owns it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error) {
	lock := NewDistributedLock(l.client, l.namespace+":"+key, ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, domainErrors.ErrLockAcquisitionFailed)
	}
	return lock, nil
}

// WithLock runs fn while holding the lock for key and releases it afterwards.
// The lock is extended every ttl/3 while fn runs. If it is lost to expiry or
// another holder, fn's context is cancelled with ErrLockNotHeld as the cause.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lock.keepAlive(context.WithoutCancel(ctx), ttl, done, cancel)
	}()
	defer func() {
		close(done)
		wg.Wait()
		cancel(nil)
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	return fn(fnCtx)
}

// keepAlive extends the lock until done is closed. Transient Redis errors are
// retried on the next tick.
func (l *DistributedLock) keepAlive(ctx context.Context, ttl time.Duration, done <-chan struct{}, lost context.CancelCauseFunc) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := l.Extend(ctx, ttl)
			if errors.Is(err, domainErrors.ErrLockNotHeld) {
				lost(fmt.Errorf("%s: %w", l.key, err))
				return
			}
		}
	}
}

// DistributedLock represents a distributed lock using Redis
type DistributedLock struct {
	client   redis.UniversalClient
	key      string
	value    string
	ttl      time.Duration
	acquired bool
}

// NewDistributedLock creates a new distributed lock
func NewDistributedLock(client redis.UniversalClient, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		value:  uuid.New().String(),
		ttl:    ttl,
	}
}

// Acquire attempts to acquire the lock
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	l.acquired = success
	return success, nil
}

// Extend resets the lock TTL while it is still held
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	if !l.acquired {
		return domainErrors.ErrLockNotHeld
	}

	result, err := extendLockScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if val, ok := result.(int64); !ok || val == 0 {
		l.acquired = false
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

// Release releases the lock. Releasing a lock that expired returns ErrLockNotHeld.
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}

	result, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	l.acquired = false
	if val, ok := result.(int64); !ok || val == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

// IsAcquired returns whether the lock is acquired
func (l *DistributedLock) IsAcquired() bool {
	return l.acquired
}

// Key returns the Redis key backing the lock.
func (l *DistributedLock) Key() string {
	return l.key
}
