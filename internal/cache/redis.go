package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements the cache store on Redis. Used as the pro tier
// backend where counters and sets must be shared across nodes.
type RedisCache struct {
	client *redis.Client
}

// keyPrefix namespaces all kestrel keys in a shared Redis.
const keyPrefix = "kestrel:"

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// DeletePattern removes keys matching a glob pattern using SCAN, never KEYS.
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	iter := c.client.Scan(ctx, 0, keyPrefix+pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, iter.Err()
}

// Keys lists keys matching a glob pattern, stripped of the kestrel prefix.
func (c *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, keyPrefix+pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(keyPrefix):])
	}
	return keys, iter.Err()
}

// incrScript increments and sets the window TTL only on the first increment,
// so concurrent callers within a window never extend it.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// IncrementCounter atomically increments a window counter.
func (c *RedisCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	result, err := incrScript.Run(ctx, c.client, []string{keyPrefix + "counter:" + key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return result, nil
}

// saddScript adds a member, starts the window on set creation, and returns
// the cardinality in one round trip.
var saddScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return redis.call('SCARD', KEYS[1])
`)

// AddToSet adds a member to an expiring set and returns the cardinality.
func (c *RedisCache) AddToSet(ctx context.Context, key string, member string, window time.Duration) (int64, error) {
	result, err := saddScript.Run(ctx, c.client, []string{keyPrefix + "set:" + key}, member, window.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return result, nil
}

// Expire refreshes a key's TTL.
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, keyPrefix+key, ttl).Err()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
