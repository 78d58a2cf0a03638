package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultSubscriptionLockTTL = 5 * time.Minute

// ReleaseFunc frees a lock obtained through Locker.TryLock.
type ReleaseFunc func(ctx context.Context) error

// Locker hands out advisory per-subscription locks held for one attempt.
type Locker interface {
	// TryLock never blocks. acquired is false when another worker holds the
	// lock; release is nil in that case.
	TryLock(ctx context.Context, subscriptionID int64) (release ReleaseFunc, acquired bool, err error)
}

// lockStore defines the redis operations used by RedisLocker.
type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	LockKey(scope, id string) string
}

// RedisLocker implements Locker with SETNX plus TTL so locks are shared by
// every scheduler instance. The TTL bounds how long a crashed worker can keep
// a subscription out of rotation.
type RedisLocker struct {
	store lockStore
	ttl   time.Duration
}

// NewRedisLocker constructs a Redis-backed subscription locker.
func NewRedisLocker(store lockStore, ttl time.Duration) (*RedisLocker, error) {
	if store == nil {
		return nil, errors.New("redis client required for locker")
	}
	if ttl <= 0 {
		ttl = defaultSubscriptionLockTTL
	}
	return &RedisLocker{store: store, ttl: ttl}, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, subscriptionID int64) (ReleaseFunc, bool, error) {
	key := l.store.LockKey("subscription", strconv.FormatInt(subscriptionID, 10))
	owner := uuid.NewString()
	ok, err := l.store.SetNX(ctx, key, owner, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if _, err := l.store.CompareAndDelete(ctx, key, owner); err != nil {
			return fmt.Errorf("release subscription lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}

// LocalLocker implements Locker for a single process.
type LocalLocker struct {
	mu     sync.Mutex
	locked map[int64]struct{}
}

// NewLocalLocker returns an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locked: make(map[int64]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, subscriptionID int64) (ReleaseFunc, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locked[subscriptionID]; held {
		return nil, false, nil
	}
	l.locked[subscriptionID] = struct{}{}
	var once sync.Once
	release := func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.locked, subscriptionID)
			l.mu.Unlock()
		})
		return nil
	}
	return release, true, nil
}
