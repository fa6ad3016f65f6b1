package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestRedisCacheSetGetExpire(t *testing.T) {
	rdb, mr := setupRedis(t)
	c := NewRedisCache(rdb, "verify:")
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "u1", "alice", time.Hour))
	val, ok, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", val)
	assert.True(t, mr.Exists("verify:u1"))

	mr.FastForward(time.Hour + time.Second)
	_, ok, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCacheDelete(t *testing.T) {
	rdb, _ := setupRedis(t)
	c := NewRedisCache(rdb, "verify:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "u1", "alice", time.Hour))
	require.NoError(t, c.Delete(ctx, "u1"))
	_, ok, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockerExclusive(t *testing.T) {
	rdb, _ := setupRedis(t)
	l := NewLocker(rdb)
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()

	release2, ok, err := l.TryAcquire(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}

func TestLockerReleaseOnlyOwnToken(t *testing.T) {
	rdb, mr := setupRedis(t)
	l := NewLocker(rdb)
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, "lock:b", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The first holder's lease expires and someone else takes the lock.
	mr.FastForward(2 * time.Second)
	_, ok, err = l.TryAcquire(ctx, "lock:b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	release()
	assert.True(t, mr.Exists("lock:b"))
}

func TestLockerAcquireTimesOut(t *testing.T) {
	rdb, _ := setupRedis(t)
	l := NewLocker(rdb)

	_, ok, err := l.TryAcquire(context.Background(), "lock:c", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "lock:c", time.Minute)
	assert.ErrorIs(t, err, ErrLockTimeout)
}
