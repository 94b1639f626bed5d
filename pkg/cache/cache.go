// Package cache is a small expiring cache shared by instrument-metadata
// lookups. Validity is an explicit inserted-at + ttl predicate instead of
// ad hoc clock arithmetic at each call site.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value      V
	insertedAt time.Time
	ttl        time.Duration
}

func (e entry[V]) valid(now time.Time) bool {
	if e.ttl <= 0 {
		return true
	}
	return now.Sub(e.insertedAt) < e.ttl
}

// Cache is a string-keyed TTL cache safe for concurrent use.
type Cache[V any] struct {
	mu         sync.RWMutex
	defaultTTL time.Duration
	entries    map[string]entry[V]
	now        func() time.Time
}

// New builds a cache; defaultTTL <= 0 means entries never expire unless a
// per-entry ttl is given.
func New[V any](defaultTTL time.Duration) *Cache[V] {
	return &Cache[V]{
		defaultTTL: defaultTTL,
		entries:    make(map[string]entry[V]),
		now:        time.Now,
	}
}

// Get returns the value and whether a still-valid entry exists.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !e.valid(c.now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores the value under the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores the value with an explicit TTL.
func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, insertedAt: c.now(), ttl: ttl}
	c.mu.Unlock()
}

// Invalidate drops one key.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops everything.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}
