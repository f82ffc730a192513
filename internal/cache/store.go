package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by a Store when the key does not exist
var ErrMiss = errors.New("cache miss")

// Store is the key-value backend behind the cache. Implementations return
// ErrMiss for absent keys and any other error when the backend is unreachable.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	// IncrWindow increments key and gives it a ttl of window if it has none,
	// in one step, so a counter can never be left without an expiry.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	DeletePattern(ctx context.Context, pattern string) (int64, error)
	Ping(ctx context.Context) error
}
