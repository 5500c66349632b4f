// Package cache holds fetched source payloads keyed by (source, company
// fingerprint) with TTL expiry. The cache is shared across all running
// jobs: it models what the external targets have already been asked.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-intel/internal/model"
)

type key struct {
	source      model.SourceKey
	fingerprint string
}

// Cache is a concurrency-safe result cache. Entries are write-once per TTL
// window: Put refuses to overwrite a live entry, so readers never observe a
// half-replaced result and two racing fetchers cannot clobber each other.
type Cache struct {
	mu      sync.RWMutex
	entries map[key]*model.CacheEntry

	nowFunc func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[key]*model.CacheEntry),
		nowFunc: time.Now,
	}
}

// WithNow injects a clock for tests.
func (c *Cache) WithNow(now func() time.Time) *Cache {
	c.nowFunc = now
	return c
}

// Get returns the live entry for (source, fingerprint), or nil on a miss or
// an expired entry.
func (c *Cache) Get(source model.SourceKey, fingerprint string) *model.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key{source, fingerprint}]
	if !ok || !e.Live(c.nowFunc()) {
		return nil
	}
	return e
}

// Put stores a result with the given TTL. If a live entry already exists it
// wins and is returned with stored=false; the caller's result is discarded.
// An expired entry is superseded wholesale.
func (c *Cache) Put(source model.SourceKey, fingerprint string, result *model.FetchResult, ttl time.Duration) (entry *model.CacheEntry, stored bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{source, fingerprint}
	now := c.nowFunc()
	if existing, ok := c.entries[k]; ok && existing.Live(now) {
		return existing, false
	}

	e := &model.CacheEntry{
		Source:      source,
		Fingerprint: fingerprint,
		Result:      result,
		ExpiresAt:   now.Add(ttl),
	}
	c.entries[k] = e
	return e, true
}

// PurgeExpired removes entries whose TTL has lapsed and returns the count.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	removed := 0
	for k, e := range c.entries {
		if !e.Live(now) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		zap.L().Debug("cache: purged expired entries", zap.Int("removed", removed))
	}
	return removed
}

// Len returns the number of entries, live or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
