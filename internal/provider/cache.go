// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package provider

import (
	"sync"
	"time"
)

// DefaultCatalogTTL is how long catalog responses (images, networks,
// datacenters, traffic packages) stay fresh. The provider changes these
// rarely; half an hour keeps admin listings snappy without going stale.
const DefaultCatalogTTL = 30 * time.Minute

type cacheEntry struct {
	value   any
	expires time.Time
}

type inflight struct {
	done  chan struct{}
	value any
	err   error
}

// Cache is a small TTL cache with per-key single-flight refresh. It is
// injected into each Client rather than held as package state, so tenants
// with separate credentials never share entries by accident.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	flights map[string]*inflight
	now     func() time.Time
}

// NewCache returns a cache with the given TTL. A zero TTL falls back to
// DefaultCatalogTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		flights: make(map[string]*inflight),
		now:     time.Now,
	}
}

// GetOrFill returns the cached value for key, or runs fill exactly once per
// key across concurrent callers and caches its result. Errors are not cached.
func (c *Cache) GetOrFill(key string, fill func() (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		<-f.done
		return f.value, f.err
	}
	f := &inflight{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	f.value, f.err = fill()
	c.mu.Lock()
	delete(c.flights, key)
	if f.err == nil {
		c.entries[key] = cacheEntry{value: f.value, expires: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	close(f.done)
	return f.value, f.err
}

// Invalidate drops a single key, forcing the next read to refetch.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
