package cache

import (
	"context"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a simple in-process cache with per-entry TTL.
//
// It is safe for concurrent use. Expired entries are treated as absent on
// read (lazy expiry) and a background goroutine periodically removes them to
// prevent unbounded memory growth.
//
// Use this backend when Redis is not available — for local development,
// single-instance deployments, or integration tests. For distributed
// (multi-replica) deployments use ExactCache (Redis) instead so that
// all replicas share the same cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache and starts the background cleanup loop.
// The cleanup goroutine stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for (key, partition). Returns (nil, false) on
// a miss or if the entry has expired. Expired entries are removed lazily on
// access so an expired entry is never returned.
func (c *MemoryCache) Get(_ context.Context, key, partition string) ([]byte, bool) {
	k := entryKey(key, partition)

	c.mu.RLock()
	item, ok := c.items[k]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		// Lazy expiry — remove the stale entry without blocking reads.
		c.mu.Lock()
		delete(c.items, k)
		c.mu.Unlock()
		return nil, false
	}

	return item.data, true
}

// Set stores value under (key, partition) for the duration of ttl.
// A zero or negative ttl is treated as DefaultTTL. Overwrites under the same
// key are last-writer-wins; identical inputs produce identical content, so
// no read-modify-write coordination is needed.
func (c *MemoryCache) Set(_ context.Context, key, partition string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	c.items[entryKey(key, partition)] = memItem{
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()

	return nil
}

// Delete removes (key, partition). Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key, partition string) error {
	c.mu.Lock()
	delete(c.items, entryKey(key, partition))
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
