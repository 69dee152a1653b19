package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) *RedisConn {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}
	cfg := DefaultRedisConfig()
	cfg.Addresses = []string{addr}
	conn, err := NewRedisConn(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewRedisConnRequiresAddress(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addresses = nil
	_, err := NewRedisConn(cfg)
	assert.Error(t, err)
}

func TestRedisLockExcludesConcurrentHolder(t *testing.T) {
	conn := newTestConn(t)
	lock := NewRedisLock(conn, "ti-test", time.Minute)
	ctx := context.Background()

	err := lock.WithLock(ctx, "feed-a", func(ctx context.Context) error {
		inner := lock.WithLock(ctx, "feed-a", func(context.Context) error {
			t.Fatal("nested holder must not run")
			return nil
		})
		assert.True(t, errors.Is(inner, ErrLockHeld))
		return nil
	})
	require.NoError(t, err)

	// Released after the first holder returns.
	ran := false
	require.NoError(t, lock.WithLock(ctx, "feed-a", func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestRedisLockRenewsLease(t *testing.T) {
	conn := newTestConn(t)
	lock := NewRedisLock(conn, "ti-test", 300*time.Millisecond)
	ctx := context.Background()

	err := lock.WithLock(ctx, "feed-renew", func(ctx context.Context) error {
		time.Sleep(time.Second)
		require.NoError(t, ctx.Err())
		other := lock.WithLock(ctx, "feed-renew", func(context.Context) error { return nil })
		assert.True(t, errors.Is(other, ErrLockHeld), "lease must outlive its TTL while held")
		return nil
	})
	require.NoError(t, err)
}

func TestRedisLockCancelsHolderOnLoss(t *testing.T) {
	conn := newTestConn(t)
	lock := NewRedisLock(conn, "ti-test", 300*time.Millisecond)
	ctx := context.Background()

	err := lock.WithLock(ctx, "feed-lost", func(ctx context.Context) error {
		require.NoError(t, conn.Client().Del(ctx, lock.key("feed-lost")).Err())
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(2 * time.Second):
			return nil
		}
	})
	assert.True(t, errors.Is(err, ErrLockLost))
}
