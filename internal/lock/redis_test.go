package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, nil), mr
}

func TestTryLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocker(t)

	release, ok, err := l.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	_, ok, err = l.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpires(t *testing.T) {
	ctx := context.Background()
	l, mr := newLocker(t)

	_, ok, err := l.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = l.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	l, mr := newLocker(t)

	release, ok, err := l.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = l.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	release()
	assert.True(t, mr.Exists("job"), "stale release must not drop the new holder's lock")
}

func TestTryLockBackendDown(t *testing.T) {
	l, mr := newLocker(t)
	mr.Close()

	_, ok, err := l.TryLock(context.Background(), "job", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
