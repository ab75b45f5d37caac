package dynamicoidc

import (
	"sync"
	"time"
)

// cacheItem holds a cached value together with its absolute expiry.
type cacheItem struct {
	value     any
	expiresAt time.Time
}

// Cache is a thread-safe in-memory TTL cache. All shared caches in this
// subsystem (provider configs, JWKS key sets, verification results) are
// explicit Cache instances owned by their component and injected where
// needed; there is no ambient global state. Writes are idempotent upserts,
// so concurrent populate races resolve to last-writer-wins.
type Cache struct {
	items   map[string]cacheItem
	mu      sync.RWMutex
	maxSize int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCache creates a cache bounded to maxSize entries (0 means unbounded)
// and starts a janitor goroutine that evicts expired entries every minute.
// Call Close to stop the janitor.
func NewCache(maxSize int) *Cache {
	c := &Cache{
		items:   make(map[string]cacheItem),
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Set stores value under key for ttl. When the cache is full the entry
// closest to expiry is evicted to make room.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		if _, exists := c.items[key]; !exists {
			c.evictSoonestLocked()
		}
	}
	c.items[key] = cacheItem{value: value, expiresAt: time.Now().Add(ttl)}
}

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()
	if !found {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.Delete(key)
		return nil, false
	}
	return item.value, true
}

// Delete removes key from the cache. No-op when absent.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the current number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Cleanup removes all expired entries. Called periodically by the janitor so
// entries that are never read again do not accumulate.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.stop:
			return
		}
	}
}

// evictSoonestLocked drops the entry with the nearest expiry. Caller holds
// the write lock.
func (c *Cache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, item := range c.items {
		if victim == "" || item.expiresAt.Before(soonest) {
			victim = key
			soonest = item.expiresAt
		}
	}
	if victim != "" {
		delete(c.items, victim)
	}
}
