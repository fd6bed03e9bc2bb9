package domain

import (
	"context"
	"time"
)

// Cache defines the key/value store backing velocity counters, the rule
// cache, and blacklist entries. Implementations: in-memory LRU (community)
// and Redis (pro).
type Cache interface {
	// Get retrieves a value. Returns nil, nil if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with expiration. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a single key.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching a glob pattern (SCAN-style).
	DeletePattern(ctx context.Context, pattern string) (int64, error)

	// Keys lists keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// IncrementCounter atomically increments a window counter and returns
	// the new value. The first increment in a window sets the TTL;
	// subsequent increments within the window do not reset it.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// AddToSet adds a member to a set with window expiry and returns the
	// set cardinality. Used for distinct-device tracking.
	AddToSet(ctx context.Context, key string, member string, window time.Duration) (int64, error)

	// Expire refreshes a key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local in-memory cache settings (community tier)
	LocalMaxSize int

	// Redis settings (pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
