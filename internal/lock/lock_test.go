package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johns10/codemyspec/internal/lock"
)

func newLocker(t *testing.T) (*lock.RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewRedisLocker(client, "codemyspec:"), mr
}

func TestTryLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	l, mr := newLocker(t)

	release, err := l.TryLock(ctx, "session-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("codemyspec:lock:session-1"))

	_, err = l.TryLock(ctx, "session-1", time.Minute)
	assert.ErrorIs(t, err, lock.ErrHeld)

	other, err := l.TryLock(ctx, "session-2", time.Minute)
	require.NoError(t, err, "distinct keys are independent")
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("codemyspec:lock:session-1"))

	again, err := l.TryLock(ctx, "session-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestReleaseAfterExpiryKeepsNewOwner(t *testing.T) {
	ctx := context.Background()
	l, mr := newLocker(t)

	stale, err := l.TryLock(ctx, "s", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = l.TryLock(ctx, "s", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	assert.True(t, mr.Exists("codemyspec:lock:s"), "stale release must not delete the new owner's lock")
}

func TestLockWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocker(t)

	release, err := l.TryLock(ctx, "s", time.Minute)
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = release(context.Background())
	}()

	got, err := l.Lock(ctx, "s", time.Minute, 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, got(ctx))
}

func TestLockHonoursContext(t *testing.T) {
	l, _ := newLocker(t)
	_, err := l.TryLock(context.Background(), "s", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "s", time.Minute, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
