// Package ttlcache is a bounded cache whose entries expire a fixed time after
// they were stored. The TTL is a constructor argument so callers and tests
// own the policy.
package ttlcache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Stats counts lookups since construction.
type Stats struct {
	Hits   uint64
	Misses uint64
	Len    int
}

// Cache wraps an expirable LRU with hit/miss accounting. Safe for
// concurrent use.
type Cache[K comparable, V any] struct {
	lru    *expirable.LRU[K, V]
	ttl    time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New returns a cache holding at most size entries for ttl each. A ttl <= 0
// keeps entries until evicted by size or Invalidate.
func New[K comparable, V any](size int, ttl time.Duration) *Cache[K, V] {
	if size <= 0 {
		size = 1
	}
	return &Cache[K, V]{
		lru: expirable.NewLRU[K, V](size, nil, ttl),
		ttl: ttl,
	}
}

// Get returns the cached value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set stores value under key, restarting its TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

// Invalidate drops key. It reports whether the key was present.
func (c *Cache[K, V]) Invalidate(key K) bool {
	return c.lru.Remove(key)
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
}

func (c *Cache[K, V]) Len() int { return c.lru.Len() }

func (c *Cache[K, V]) TTL() time.Duration { return c.ttl }

func (c *Cache[K, V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Len: c.lru.Len()}
}
