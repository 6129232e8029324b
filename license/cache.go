package license

import (
	"sync"
	"time"
)

// cacheEntry is a cached validation outcome.
type cacheEntry struct {
	result    ValidationResult
	expiresAt time.Time
	hitCount  int
}

// resultCache caches validation results keyed by a hash of the license
// key. Raw keys never appear as cache keys so they cannot leak through
// diagnostics.
type resultCache struct {
	mu        sync.Mutex
	entries   map[string]cacheEntry
	ttl       time.Duration
	hitCount  int64
	missCount int64
	nowFunc   func() time.Time
}

func newResultCache(ttl time.Duration, now func() time.Time) *resultCache {
	return &resultCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		nowFunc: now,
	}
}

func (c *resultCache) get(keyHash string) (ValidationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[keyHash]
	if !ok || c.nowFunc().After(entry.expiresAt) {
		delete(c.entries, keyHash)
		c.missCount++
		return ValidationResult{}, false
	}
	entry.hitCount++
	c.entries[keyHash] = entry
	c.hitCount++
	return entry.result, true
}

func (c *resultCache) set(keyHash string, result ValidationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyHash] = cacheEntry{
		result:    result,
		expiresAt: c.nowFunc().Add(c.ttl),
	}
}

func (c *resultCache) invalidate(keyHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, keyHash)
}

// stats returns cumulative hit and miss counters.
func (c *resultCache) stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitCount, c.missCount
}
