// Package cache holds short-lived values shared across accounts, such as
// symbol trading rules.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Cache is a sharded map whose entries expire after a fixed TTL.
type Cache[V any] struct {
	ttl    time.Duration
	now    func() time.Time
	shards [numShards]*shard[V]
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value     V
	updatedAt time.Time
}

// New creates a cache; now defaults to time.Now.
func New[V any](ttl time.Duration, now func() time.Time) *Cache[V] {
	if now == nil {
		now = time.Now
	}
	c := &Cache[V]{ttl: ttl, now: now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return c
}

func (c *Cache[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores value under key.
func (c *Cache[V]) Set(key string, value V) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry[V]{value: value, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns the value for key unless it is missing or expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || (c.ttl > 0 && c.now().Sub(e.updatedAt) >= c.ttl) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len counts stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup drops expired entries and returns how many were removed.
func (c *Cache[V]) Cleanup() int {
	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	cutoff := c.now().Add(-c.ttl)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if !e.updatedAt.After(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
