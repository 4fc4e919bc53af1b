// Package locks provides a Redis-backed distributed lock: SET NX with TTL to
// acquire, DELETE to release. Used to keep a single scheduler sweeper active
// across replicas.
package locks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ems/backend/internal/infra"
)

// ErrNotAcquired is returned when the lock is held elsewhere.
var ErrNotAcquired = fmt.Errorf("lock not acquired")

type Lock struct {
	kv  infra.KVStore
	key string
	ttl time.Duration
}

// New creates a lock handle for "lock:{key}".
func New(kv infra.KVStore, key string, ttl time.Duration) *Lock {
	return &Lock{kv: kv, key: "lock:" + key, ttl: ttl}
}

// Acquire tries once. With blocking, it retries every 100ms until waitTimeout
// (zero means a single attempt either way).
func (l *Lock) Acquire(ctx context.Context, blocking bool, waitTimeout time.Duration) (bool, error) {
	deadline := time.Now().Add(waitTimeout)
	for {
		ok, err := l.kv.SetNX(ctx, l.key, "locked", l.ttl)
		if err != nil {
			return false, fmt.Errorf("acquire %s: %w", l.key, err)
		}
		if ok {
			return true, nil
		}
		if !blocking || (waitTimeout > 0 && time.Now().After(deadline)) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Release deletes the lock key.
func (l *Lock) Release(ctx context.Context) error {
	if err := l.kv.Del(ctx, l.key); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// WithLock runs fn under the lock, releasing afterwards. Returns
// ErrNotAcquired when the lock is busy.
func WithLock(ctx context.Context, kv infra.KVStore, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l := New(kv, key, ttl)
	ok, err := l.Acquire(ctx, false, 0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			slog.Warn("lock release failed", "key", key, "error", err)
		}
	}()
	return fn(ctx)
}
