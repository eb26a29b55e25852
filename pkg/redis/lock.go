package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned when a lock cannot be acquired
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when trying to release a lock not held
	ErrLockNotHeld = errors.New("lock not held")
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Lock represents a held distributed lock
type Lock struct {
	client *Client
	key    string
	value  string
	ttl    time.Duration
}

// Key returns the full redis key of the lock
func (lock *Lock) Key() string {
	return lock.key
}

// Locker provides SET NX based distributed locks
type Locker struct {
	client    *Client
	keyPrefix string
}

// NewLocker creates a new Locker. Keys default to the "fern:lock:" prefix.
func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "fern:lock:"
	}
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Acquire attempts to acquire a lock once
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lockKey := l.keyPrefix + key
	lockValue := uuid.New().String()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.client.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)

	return &Lock{
		client: l.client,
		key:    lockKey,
		value:  lockValue,
		ttl:    ttl,
	}, nil
}

// TryAcquire retries Acquire with capped exponential backoff until timeout
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond

	for time.Now().Before(deadline) {
		lock, err := l.Acquire(ctx, key, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff = nextBackoff(backoff)
		}
	}

	return nil, ErrLockNotAcquired
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

// Release deletes the lock if this holder still owns it
func (lock *Lock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}

	lock.client.logger.WithContext(ctx).Debugf("Released lock: %s", lock.key)
	return nil
}

// Extend resets the lock TTL if this holder still owns it
func (lock *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}

	lock.ttl = ttl
	return nil
}

// WithLock runs fn while holding key. It does not wait: a held key returns
// ErrLockNotAcquired. The lock is extended while fn runs and fn's context is
// cancelled if an extension fails.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer l.release(ctx, lock)

	runCtx, stop := l.keepAlive(ctx, lock, lock.key, ttl)
	defer stop()

	return fn(runCtx)
}

type extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// keepAlive extends lock every ttl/3 until stop is called. The returned
// context is cancelled when an extension fails.
func (l *Locker) keepAlive(ctx context.Context, lock extender, key string, ttl time.Duration) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	interval := ttl / 3
	if interval <= 0 {
		return runCtx, cancel
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := lock.Extend(runCtx, ttl); err != nil {
					if runCtx.Err() != nil {
						return
					}
					l.client.logger.WithContext(ctx).WithError(err).Warnf("Lost lock: %s", key)
					cancel()
					return
				}
			}
		}
	}()

	return runCtx, func() {
		cancel()
		wg.Wait()
	}
}

func (l *Locker) release(ctx context.Context, lock *Lock) {
	if err := lock.Release(ctx); err != nil {
		l.client.logger.WithContext(ctx).WithError(err).Warnf("Failed to release lock: %s", lock.key)
	}
}

// CreateGuard serializes canonical product creation per identity key across
// resolver processes. Callers wait up to Wait for a busy key.
type CreateGuard struct {
	locker *Locker
	ttl    time.Duration
	wait   time.Duration
}

// NewCreateGuard builds a guard. ttl must cover one canonical insert.
func NewCreateGuard(locker *Locker, ttl, wait time.Duration) *CreateGuard {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &CreateGuard{locker: locker, ttl: ttl, wait: wait}
}

// WithLock runs fn while holding the per-key create lock
func (g *CreateGuard) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock, err := g.locker.TryAcquire(ctx, key, g.ttl, g.wait)
	if err != nil {
		return err
	}
	defer g.locker.release(ctx, lock)

	runCtx, stop := g.locker.keepAlive(ctx, lock, lock.key, g.ttl)
	defer stop()

	return fn(runCtx)
}
