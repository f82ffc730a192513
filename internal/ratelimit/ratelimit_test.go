package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"bidforge-engine/internal/cache"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAllow_PerTenantWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	store := cache.NewRedisStore(cache.RedisConfig{Addr: mr.Addr()})
	defer store.Close()
	rl := New(cache.New(store, quietLogger()), 2)
	ctx := context.Background()

	assert.True(t, rl.Allow(ctx, "tenant-a"))
	assert.True(t, rl.Allow(ctx, "tenant-a"))
	assert.False(t, rl.Allow(ctx, "tenant-a"))
	assert.True(t, rl.Allow(ctx, "tenant-b"), "tenants are counted separately")

	retry := rl.RetryAfter(ctx, "tenant-a")
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute)

	mr.FastForward(61 * time.Second)
	assert.True(t, rl.Allow(ctx, "tenant-a"), "window resets")
}

func TestAllow_FailsOpenWithoutCache(t *testing.T) {
	rl := New(cache.New(nil, quietLogger()), 1)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow(ctx, "tenant-a"))
	}
}

func TestAllow_DisabledWhenZero(t *testing.T) {
	rl := New(cache.New(cache.NewMemoryStore(), quietLogger()), 0)
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow(context.Background(), "t"))
	}
}
