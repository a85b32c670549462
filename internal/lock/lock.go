// Package lock provides short-lived named locks guarding authority submissions.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when the key is already held.
var ErrNotObtained = errors.New("lock not obtained")

// Release frees a held lock.
type Release func(ctx context.Context) error

// Locker obtains a lock for key that expires after ttl if never released.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// RedisLocker shares locks across processes through Redis.
type RedisLocker struct {
	client *redislock.Client
	prefix string
}

// NewRedisLocker wraps a go-redis client.
func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), prefix: prefix}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	lk, err := l.client.Obtain(ctx, l.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotObtained)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		if err := lk.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocalLocker returns an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotObtained)
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// a lease that already expired may have been taken over
			if l.held[key].Equal(exp) {
				delete(l.held, key)
			}
		})
		return nil
	}, nil
}
