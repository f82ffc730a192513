package cache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMemoryStore_TTLAndExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	d, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	d, err = s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, -2*time.Second, d)
}

func TestMemoryStore_DeletePattern(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"context:p1:a", "context:p1:b", "context:p2:a"} {
		require.NoError(t, s.Set(ctx, k, "x", 0))
	}
	n, err := s.DeletePattern(ctx, "context:p1:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.Get(ctx, "context:p2:a")
	assert.NoError(t, err)
}

func TestRedisStore_Operations(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisConfig{Addr: mr.Addr()})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, s.Set(ctx, "a", "1", time.Minute))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, s.Expire(ctx, "counter", 10*time.Second))
	ttl, err := s.TTL(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	require.NoError(t, s.Set(ctx, "context:p1:x", "x", 0))
	require.NoError(t, s.Set(ctx, "context:p1:y", "y", 0))
	deleted, err := s.DeletePattern(ctx, "context:p1:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_DegradesWhenStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(RedisConfig{Addr: mr.Addr(), Timeout: 50 * time.Millisecond})
	defer store.Close()
	c := New(store, testLogger())
	ctx := context.Background()

	require.True(t, c.Set(ctx, "k", "v", time.Minute))
	mr.Close()

	v, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Empty(t, v)
	assert.False(t, c.Set(ctx, "k", "v", time.Minute))
	assert.False(t, c.Delete(ctx, "k"))
	assert.Zero(t, c.Increment(ctx, "n"))
	assert.Zero(t, c.TTL(ctx, "k"))
	assert.Zero(t, c.DeletePattern(ctx, "*"))
	assert.False(t, c.Healthy(ctx))
}

func TestCache_NilStoreIsDisabled(t *testing.T) {
	c := New(nil, testLogger())
	ctx := context.Background()

	assert.False(t, c.Enabled())
	assert.False(t, c.Set(ctx, "k", "v", 0))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Zero(t, c.HitWindow(ctx, "rl", time.Minute))
}

func TestCache_EmbeddingTransparency(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	compute := func(_ context.Context, content string) ([]float32, error) {
		calls.Add(1)
		return []float32{float32(len(content)), 0.5}, nil
	}

	enabled := New(NewMemoryStore(), testLogger())
	disabled := New(nil, testLogger())

	for i := 0; i < 3; i++ {
		a, err := enabled.Embedding(ctx, "concrete slab 200mm", compute)
		require.NoError(t, err)
		b, err := disabled.Embedding(ctx, "concrete slab 200mm", compute)
		require.NoError(t, err)
		assert.Equal(t, a, b, "cache changes cost, never the result")
	}
	// 1 computation for the enabled cache, 3 for the disabled one.
	assert.Equal(t, int32(4), calls.Load())
}

func TestCache_EmbeddingComputeErrorNotCached(t *testing.T) {
	c := New(NewMemoryStore(), testLogger())
	ctx := context.Background()
	boom := errors.New("provider down")

	_, err := c.Embedding(ctx, "x", func(context.Context, string) ([]float32, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := c.GetEmbedding(ctx, "x")
	assert.False(t, ok)
}

func TestCache_ContextAndInvalidate(t *testing.T) {
	c := New(NewMemoryStore(), testLogger())
	ctx := context.Background()

	require.True(t, c.SetContext(ctx, "p1", "scope of works", "ctx-a"))
	require.True(t, c.SetContext(ctx, "p1", "pricing", "ctx-b"))
	v, ok := c.GetContext(ctx, "p1", "scope of works")
	require.True(t, ok)
	assert.Equal(t, "ctx-a", v)
	assert.InDelta(t, ContextTTL.Seconds(), c.TTL(ctx, contextKey("p1", "pricing")).Seconds(), 1)

	assert.Equal(t, int64(2), c.InvalidateProject(ctx, "p1"))
	_, ok = c.GetContext(ctx, "p1", "pricing")
	assert.False(t, ok)
}

func TestCache_HitWindowSetsExpiryOnce(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	c := New(store, testLogger())
	ctx := context.Background()

	assert.Equal(t, int64(1), c.HitWindow(ctx, "rl:u1", time.Minute))
	now = now.Add(30 * time.Second)
	assert.Equal(t, int64(2), c.HitWindow(ctx, "rl:u1", time.Minute))
	assert.Equal(t, 30*time.Second, c.TTL(ctx, "rl:u1"), "later hits keep the original window")

	now = now.Add(31 * time.Second)
	assert.Equal(t, int64(1), c.HitWindow(ctx, "rl:u1", time.Minute))
}

func TestCache_HitWindowRepairsCounterWithoutExpiry(t *testing.T) {
	c := New(NewMemoryStore(), testLogger())
	ctx := context.Background()

	// a counter left behind without a ttl
	assert.Equal(t, int64(1), c.Increment(ctx, "rl:u2"))
	assert.Zero(t, c.TTL(ctx, "rl:u2"))

	assert.Equal(t, int64(2), c.HitWindow(ctx, "rl:u2", time.Minute))
	assert.Greater(t, c.TTL(ctx, "rl:u2"), time.Duration(0))
}

func TestRedisStore_IncrWindowIsAtomic(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisConfig{Addr: mr.Addr()})
	defer s.Close()
	ctx := context.Background()

	n, err := s.IncrWindow(ctx, "rl:u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.IncrWindow(ctx, "rl:u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, time.Minute, mr.TTL("rl:u1"))

	mr.FastForward(61 * time.Second)
	n, err = s.IncrWindow(ctx, "rl:u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
