// Package cache is a best-effort accelerator. Every operation degrades to a
// miss or no-op when the backing store is absent or unreachable; callers treat
// a miss exactly like "not computed yet".
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"bidforge-engine/internal/models"
)

const (
	EmbeddingTTL = 24 * time.Hour
	ContextTTL   = 5 * time.Minute
)

// Cache wraps a Store and swallows its failures
type Cache struct {
	store  Store
	logger *slog.Logger
	prefix string
}

// New returns a cache over store. A nil store yields a disabled cache.
func New(store Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, logger: logger, prefix: "bidforge:"}
}

// Enabled reports whether a store is attached
func (c *Cache) Enabled() bool {
	return c != nil && c.store != nil
}

func (c *Cache) key(k string) string { return c.prefix + k }

func (c *Cache) swallow(op, key string, err error) {
	c.logger.Debug("cache operation degraded",
		"op", op, "key", key, "kind", models.KindStorageUnavailable, "error", err)
}

// Get returns the value and whether it was found
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	v, err := c.store.Get(ctx, c.key(key))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.swallow("get", key, err)
		}
		return "", false
	}
	return v, true
}

// Set stores value with ttl; false when the store rejected it
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}
	if err := c.store.Set(ctx, c.key(key), value, ttl); err != nil {
		c.swallow("set", key, err)
		return false
	}
	return true
}

// Delete removes key; false when nothing was removed
func (c *Cache) Delete(ctx context.Context, key string) bool {
	if !c.Enabled() {
		return false
	}
	n, err := c.store.Delete(ctx, c.key(key))
	if err != nil {
		c.swallow("delete", key, err)
		return false
	}
	return n > 0
}

// Increment bumps a counter and returns its new value, or 0 on failure
func (c *Cache) Increment(ctx context.Context, key string) int64 {
	if !c.Enabled() {
		return 0
	}
	n, err := c.store.Incr(ctx, c.key(key))
	if err != nil {
		c.swallow("incr", key, err)
		return 0
	}
	return n
}

// Expire sets a ttl on an existing key
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}
	if err := c.store.Expire(ctx, c.key(key), ttl); err != nil {
		c.swallow("expire", key, err)
		return false
	}
	return true
}

// TTL returns the remaining lifetime, or 0 when unknown
func (c *Cache) TTL(ctx context.Context, key string) time.Duration {
	if !c.Enabled() {
		return 0
	}
	d, err := c.store.TTL(ctx, c.key(key))
	if err != nil || d < 0 {
		if err != nil {
			c.swallow("ttl", key, err)
		}
		return 0
	}
	return d
}

// DeletePattern removes keys matching a glob and returns how many went
func (c *Cache) DeletePattern(ctx context.Context, pattern string) int64 {
	if !c.Enabled() {
		return 0
	}
	n, err := c.store.DeletePattern(ctx, c.key(pattern))
	if err != nil {
		c.swallow("delete_pattern", pattern, err)
		return 0
	}
	return n
}

// GetJSON decodes a cached JSON value into v
func (c *Cache) GetJSON(ctx context.Context, key string, v any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		c.swallow("decode", key, err)
		return false
	}
	return true
}

// SetJSON encodes v and stores it
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) bool {
	if !c.Enabled() {
		return false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.swallow("encode", key, err)
		return false
	}
	return c.Set(ctx, key, string(raw), ttl)
}

// Healthy pings the store
func (c *Cache) Healthy(ctx context.Context) bool {
	if !c.Enabled() {
		return false
	}
	return c.store.Ping(ctx) == nil
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func embeddingKey(content string) string { return "embedding:" + hash(content) }

func contextKey(projectID, query string) string {
	return "context:" + projectID + ":" + hash(query)[:16]
}

// GetEmbedding returns the cached vector for content
func (c *Cache) GetEmbedding(ctx context.Context, content string) ([]float32, bool) {
	var v []float32
	if !c.GetJSON(ctx, embeddingKey(content), &v) {
		return nil, false
	}
	return v, true
}

func (c *Cache) SetEmbedding(ctx context.Context, content string, vector []float32) bool {
	return c.SetJSON(ctx, embeddingKey(content), vector, EmbeddingTTL)
}

// Embedding returns the cached vector or computes and caches it
func (c *Cache) Embedding(ctx context.Context, content string, compute func(context.Context, string) ([]float32, error)) ([]float32, error) {
	if v, ok := c.GetEmbedding(ctx, content); ok {
		return v, nil
	}
	v, err := compute(ctx, content)
	if err != nil {
		return nil, err
	}
	c.SetEmbedding(ctx, content, v)
	return v, nil
}

// GetContext returns the cached computed context for a project query
func (c *Cache) GetContext(ctx context.Context, projectID, query string) (string, bool) {
	return c.Get(ctx, contextKey(projectID, query))
}

func (c *Cache) SetContext(ctx context.Context, projectID, query, value string) bool {
	return c.Set(ctx, contextKey(projectID, query), value, ContextTTL)
}

// InvalidateProject drops every cached context for a project
func (c *Cache) InvalidateProject(ctx context.Context, projectID string) int64 {
	return c.DeletePattern(ctx, "context:"+projectID+":*")
}

// HitWindow counts one hit against a window counter and returns the count so
// far. The window starts on the first hit. Returns 0 when the cache is down.
func (c *Cache) HitWindow(ctx context.Context, key string, window time.Duration) int64 {
	if !c.Enabled() {
		return 0
	}
	n, err := c.store.IncrWindow(ctx, c.key(key), window)
	if err != nil {
		c.swallow("incr_window", key, err)
		return 0
	}
	return n
}
