// Package cache provides key/value store implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"path"
	"sync"
	"time"
)

// MemoryCache is a thread-safe LRU cache with TTL, window counters, and
// expiring sets. Used as the community tier cache store.
type MemoryCache struct {
	mu       sync.RWMutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*counterEntry
	sets     map[string]*setEntry
	ops      int
}

// sweepEvery is the number of counter and set operations between sweeps
// of expired entries. Velocity keys are per scope value, so without the
// sweep a long-running process accumulates one dead counter per distinct
// user, IP, or card ever seen.
const sweepEvery = 256

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type setEntry struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewMemoryCache creates a new in-memory cache with the specified max size.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*counterEntry),
		sets:     make(map[string]*setEntry),
	}
}

// Get retrieves a value. Returns nil, nil on a miss.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value with TTL. A zero ttl means no expiry.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	entry := &cacheEntry{key: key, value: value, expiresAt: expiresAt}
	elem := c.order.PushFront(entry)
	c.items[key] = elem

	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}

	return nil
}

// Delete removes a single key.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// DeletePattern removes every key matching a glob pattern.
func (c *MemoryCache) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int64
	for key, elem := range c.items {
		if ok, _ := path.Match(pattern, key); ok {
			c.removeElement(elem)
			removed++
		}
	}
	return removed, nil
}

// Keys lists keys matching a glob pattern.
func (c *MemoryCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, elem := range c.items {
		entry := elem.Value.(*cacheEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// IncrementCounter atomically increments a window counter. The first
// increment in a window sets the TTL; later increments keep it.
func (c *MemoryCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.maybeSweep(now)

	entry, ok := c.counters[key]
	if !ok || now.After(entry.expiresAt) {
		c.counters[key] = &counterEntry{
			count:     1,
			expiresAt: now.Add(window),
		}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// AddToSet adds a member to an expiring set and returns the cardinality.
func (c *MemoryCache) AddToSet(ctx context.Context, key string, member string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.maybeSweep(now)

	entry, ok := c.sets[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &setEntry{
			members:   make(map[string]struct{}),
			expiresAt: now.Add(window),
		}
		c.sets[key] = entry
	}

	entry.members[member] = struct{}{}
	return int64(len(entry.members)), nil
}

// Expire refreshes a key's TTL.
func (c *MemoryCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).expiresAt = time.Now().Add(ttl)
	}
	return nil
}

// Ping checks cache health.
func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.counters = make(map[string]*counterEntry)
	c.sets = make(map[string]*setEntry)
	return nil
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

func (c *MemoryCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *MemoryCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}

// maybeSweep reclaims expired counters and sets every sweepEvery
// operations, amortizing the full-map scan. Callers hold the write lock.
func (c *MemoryCache) maybeSweep(now time.Time) {
	c.ops++
	if c.ops%sweepEvery != 0 {
		return
	}
	for key, entry := range c.counters {
		if now.After(entry.expiresAt) {
			delete(c.counters, key)
		}
	}
	for key, entry := range c.sets {
		if now.After(entry.expiresAt) {
			delete(c.sets, key)
		}
	}
}
