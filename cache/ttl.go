package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TTL is a bounded read cache whose entries expire after a fixed lifetime.
// Instances are created per use site and passed to the code that needs
// them; there is no process-wide cache.
type TTL[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// New builds a cache holding at most size entries for ttl each.
func New[K comparable, V any](size int, ttl time.Duration) *TTL[K, V] {
	if size <= 0 {
		size = 1
	}
	return &TTL[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *TTL[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

func (c *TTL[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

func (c *TTL[K, V]) Purge() {
	c.lru.Purge()
}

func (c *TTL[K, V]) Len() int {
	return c.lru.Len()
}

// GetOrLoad returns the cached value for key, calling load on a miss.
// Load errors are returned without caching anything.
func (c *TTL[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	c.lru.Add(key, v)
	return v, nil
}
