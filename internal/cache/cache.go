// Package cache holds computed aggregates (per-signpost lines, category
// scores, latest snapshots) between recomputes.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Key prefixes for cached aggregates.
const (
	PrefixSignpost = "signpost:"
	PrefixCategory = "category:"
	PrefixSnapshot = "snapshot:"
)

// SignpostKey, CategoryKey and SnapshotKey build cache keys.
func SignpostKey(code string) string   { return PrefixSignpost + code }
func CategoryKey(name string) string   { return PrefixCategory + name }
func SnapshotKey(preset string) string { return PrefixSnapshot + preset }

// Cache is a TTL-based in-memory cache. Uses sync.Map for lock-free reads.
// Expired entries are misses: an aggregate is either fresh or recomputed.
type Cache[V any] struct {
	store sync.Map // map[string]*entry[V]
	ttl   time.Duration
	now   func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache with the given TTL.
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{ttl: ttl, now: time.Now}
}

// Get returns a fresh value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	val, ok := c.store.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	e := val.(*entry[V])
	if !c.now().Before(e.expiresAt) {
		c.store.CompareAndDelete(key, val)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value with the configured TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.store.Store(key, &entry[V]{value: value, expiresAt: c.now().Add(c.ttl)})
}

// Invalidate removes the given keys. A key ending in "*" removes every key
// with that prefix. Returns the number of entries removed.
func (c *Cache[V]) Invalidate(keys ...string) int {
	removed := 0
	for _, k := range keys {
		prefix, wildcard := strings.CutSuffix(k, "*")
		if !wildcard {
			if _, ok := c.store.LoadAndDelete(k); ok {
				removed++
			}
			continue
		}
		c.store.Range(func(key, _ any) bool {
			if strings.HasPrefix(key.(string), prefix) {
				if _, ok := c.store.LoadAndDelete(key); ok {
					removed++
				}
			}
			return true
		})
	}
	return removed
}

// Len counts entries, fresh or not.
func (c *Cache[V]) Len() int {
	n := 0
	c.store.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
