// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides the bounded, time-expiring response cache used by
// the orchestrator.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults applied when New receives non-positive limits.
const (
	DefaultMaxItems = 500
	DefaultTTL      = time.Hour
)

// =============================================================================
// RESPONSE CACHE
// =============================================================================

// ResponseCache is an LRU map with absolute expiry from insertion.
// It is safe for concurrent use. Values are stored as given; callers that
// need copy-on-read semantics must copy what Get returns before mutating it.
type ResponseCache[V any] struct {
	lru      *expirable.LRU[Key, V]
	maxItems int
	ttl      time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Entries   int
	Evictions int64
	MaxItems  int
	TTL       time.Duration
	HitRate   float64
}

// New creates a cache holding at most maxItems entries, each living for ttl.
// maxItems <= 0 uses DefaultMaxItems; ttl <= 0 uses DefaultTTL.
func New[V any](maxItems int, ttl time.Duration) *ResponseCache[V] {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache[V]{
		lru:      expirable.NewLRU[Key, V](maxItems, nil, ttl),
		maxItems: maxItems,
		ttl:      ttl,
	}
}

// Get returns the value stored under key. Expired entries are misses.
func (c *ResponseCache[V]) Get(key Key) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set stores value under key, replacing any existing entry and restarting
// its TTL. The least recently used entry is evicted when full.
func (c *ResponseCache[V]) Set(key Key, value V) {
	if c.lru.Add(key, value) {
		c.evictions.Add(1)
	}
}

// Contains reports whether key is present without touching recency or stats.
func (c *ResponseCache[V]) Contains(key Key) bool {
	_, ok := c.lru.Peek(key)
	return ok
}

// Clear removes every entry. Statistics are kept.
func (c *ResponseCache[V]) Clear() {
	c.lru.Purge()
}

// Len returns the number of stored entries, including expired entries not
// yet swept.
func (c *ResponseCache[V]) Len() int {
	return c.lru.Len()
}

// Stats returns cache statistics.
func (c *ResponseCache[V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:      hits,
		Misses:    misses,
		Entries:   c.lru.Len(),
		Evictions: c.evictions.Load(),
		MaxItems:  c.maxItems,
		TTL:       c.ttl,
		HitRate:   hitRate,
	}
}
