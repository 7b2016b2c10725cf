package chainlog

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunLock(t *testing.T) {
	ctx := context.Background()
	lock := NewLocalRunLock()

	release, err := lock.Acquire(ctx, "2026-01-02")
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, "2026-01-02")
	assert.True(t, errors.Is(err, ErrLockHeld))

	other, err := lock.Acquire(ctx, "2026-01-03")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := lock.Acquire(ctx, "2026-01-02")
	require.NoError(t, err)
	again()
}

// TestRedisRunLock needs a live server: CHAINLOG_TEST_REDIS_ADDR=localhost:6379.
func TestRedisRunLock(t *testing.T) {
	addr := os.Getenv("CHAINLOG_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHAINLOG_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(ctx).Err())

	a := NewRedisRunLockClient(client, time.Minute)
	b := NewRedisRunLockClient(client, time.Minute)
	defer a.Close()

	key := "test-" + time.Now().UTC().Format("150405.000000000")
	release, err := a.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, key)
	assert.ErrorIs(t, err, ErrLockHeld)

	release()
	releaseB, err := b.Acquire(ctx, key)
	require.NoError(t, err)
	releaseB()
}
