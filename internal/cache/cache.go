// Package cache stores raw station observation responses. Observations for
// a closed historical range never change, so entries can live for hours.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cache defines the interface for observation caching implementations.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (map[string]string, bool, error)
	Set(ctx context.Context, key string, value map[string]string, ttl time.Duration) error
}

// InMemoryCache implements Cache using an in-memory map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu    sync.Mutex
	data  map[string]cacheEntry
	clock clockwork.Clock
}

type cacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(clockwork.NewRealClock())
}

// NewInMemoryCacheWithClock creates an in-memory cache that reads time from clock.
func NewInMemoryCacheWithClock(clock clockwork.Clock) *InMemoryCache {
	return &InMemoryCache{
		data:  make(map[string]cacheEntry),
		clock: clock,
	}
}

// Get returns a copy of the cached observations for key.
// Returns (data, true, nil) on cache hit, (nil, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (map[string]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}
	return copyObservations(entry.value), true, nil
}

// Set stores a copy of value with the specified TTL.
func (c *InMemoryCache) Set(ctx context.Context, key string, value map[string]string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     copyObservations(value),
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func copyObservations(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
