package ratelimit

import (
	"context"
	"time"

	"bidforge-engine/internal/cache"
)

// RateLimiter caps submissions per tenant over a fixed one-minute window.
// Counters live in the shared cache so every API process sees the same totals.
type RateLimiter struct {
	cache         *cache.Cache
	maxJobsPerMin int
	window        time.Duration
}

// New creates a RateLimiter. maxJobsPerMin <= 0 disables limiting.
func New(c *cache.Cache, maxJobsPerMin int) *RateLimiter {
	return &RateLimiter{
		cache:         c,
		maxJobsPerMin: maxJobsPerMin,
		window:        time.Minute,
	}
}

// Allow checks if a tenant is allowed to submit a job. When the cache is
// unavailable the limiter fails open.
func (rl *RateLimiter) Allow(ctx context.Context, tenantID string) bool {
	if rl == nil || rl.maxJobsPerMin <= 0 {
		return true
	}
	n := rl.cache.HitWindow(ctx, "ratelimit:submit:"+tenantID, rl.window)
	if n == 0 {
		return true
	}
	return n <= int64(rl.maxJobsPerMin)
}

// RetryAfter reports how long until the tenant's current window resets
func (rl *RateLimiter) RetryAfter(ctx context.Context, tenantID string) time.Duration {
	if rl == nil {
		return 0
	}
	if d := rl.cache.TTL(ctx, "ratelimit:submit:"+tenantID); d > 0 {
		return d
	}
	return rl.window
}
