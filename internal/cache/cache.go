// Package cache provides the process-wide TTL cache fronting hot paths to
// the upstream API. Keys are namespaced "prefix:rest" so whole prefixes can
// be invalidated when the underlying upstream data mutates.
package cache

import (
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type Cache struct {
	c *gocache.Cache

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Items  int   `json:"items"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// New creates a cache with the given default TTL. Expired entries are swept
// every TTL.
func New(defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	return &Cache{c: gocache.New(defaultTTL, defaultTTL)}
}

func (c *Cache) Get(key string) (any, bool) {
	v, ok := c.c.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *Cache) Set(key string, v any) {
	c.c.SetDefault(key, v)
}

func (c *Cache) SetTTL(key string, v any, ttl time.Duration) {
	c.c.Set(key, v, ttl)
}

func (c *Cache) Delete(key string) {
	c.c.Delete(key)
}

// InvalidatePrefix drops every entry whose key starts with prefix. O(n) over
// entries, acceptable at the cache sizes this system sees.
func (c *Cache) InvalidatePrefix(prefix string) int {
	n := 0
	for key := range c.c.Items() {
		if strings.HasPrefix(key, prefix) {
			c.c.Delete(key)
			n++
		}
	}
	return n
}

func (c *Cache) Flush() {
	c.c.Flush()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Items:  c.c.ItemCount(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
