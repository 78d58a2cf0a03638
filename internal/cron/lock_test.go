package cron

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/chainbill/pkg/redis"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return redis.NewFromRaw(raw), mr
}

func TestRedisLockSingleOwner(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedisClient(t)
	key := client.LockKey("cron", "cycle")

	first, err := NewRedisLock(client, key, time.Minute)
	require.NoError(t, err)
	second, err := NewRedisLock(client, key, time.Minute)
	require.NoError(t, err)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, second.Release(ctx), "release without ownership is a no-op")
	require.True(t, mr.Exists(key))

	require.NoError(t, first.Release(ctx))
	require.False(t, mr.Exists(key))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLockExpiredOwnerDoesNotDeleteSuccessor(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedisClient(t)
	key := client.LockKey("cron", "cycle")

	slow, err := NewRedisLock(client, key, time.Minute)
	require.NoError(t, err)
	next, err := NewRedisLock(client, key, time.Minute)
	require.NoError(t, err)

	ok, err := slow.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Minute)

	ok, err = next.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, slow.Release(ctx))
	require.True(t, mr.Exists(key))
}

func TestNewRedisLockValidation(t *testing.T) {
	client, _ := newRedisClient(t)
	_, err := NewRedisLock(nil, "k", time.Minute)
	require.Error(t, err)
	_, err = NewRedisLock(client, "", time.Minute)
	require.Error(t, err)
}

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	var lock LocalLock
	ok, _ := lock.Acquire(ctx)
	require.True(t, ok)
	ok, _ = lock.Acquire(ctx)
	require.False(t, ok)
	require.NoError(t, lock.Release(ctx))
	ok, _ = lock.Acquire(ctx)
	require.True(t, ok)
}
