// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rotation

import (
	"container/list"
	"context"
	"math"
	"time"

	"github.com/AleutianAI/platerecon/services/recon/model"
)

// DefaultMaxTrees is the default number of reconstruction trees kept per
// cache.
const DefaultMaxTrees = 64

// BuildFunc creates the tree for a key that missed the cache.
type BuildFunc func(ctx context.Context, time float64, anchor model.PlateID) *Tree

// Key identifies a cached tree.
type Key struct {
	Time   float64
	Anchor model.PlateID
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	// MaxEntries bounds the number of trees held. Values below 1 are
	// treated as 1.
	MaxEntries int

	// Name labels the cache in metrics and spans.
	Name string
}

// DefaultCacheOptions returns the default options.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		MaxEntries: DefaultMaxTrees,
		Name:       "reconstruction",
	}
}

// CacheOption mutates CacheOptions.
type CacheOption func(*CacheOptions)

// WithMaxEntries sets the maximum number of cached trees.
func WithMaxEntries(n int) CacheOption {
	return func(o *CacheOptions) {
		o.MaxEntries = n
	}
}

// WithName sets the metrics label.
func WithName(name string) CacheOption {
	return func(o *CacheOptions) {
		o.Name = name
	}
}

type cacheEntry struct {
	key  Key
	tree *Tree
}

// Cache is a bounded least-recently-used store of reconstruction trees.
//
// # Description
//
// A hit moves the entry to the front and returns the identical *Tree that
// was inserted. A miss builds the tree, inserts it at the front and evicts
// from the back until the cache is within bounds. Len never exceeds
// MaxEntries.
//
// # Thread Safety
//
// Not safe for concurrent use. The owning proxy is only driven from one
// goroutine at a time.
type Cache struct {
	build   BuildFunc
	options CacheOptions
	entries map[Key]*list.Element
	lru     *list.List

	hits      int64
	misses    int64
	evictions int64
}

// NewCache creates an empty cache that uses build on misses.
func NewCache(build BuildFunc, opts ...CacheOption) *Cache {
	options := DefaultCacheOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.MaxEntries < 1 {
		options.MaxEntries = 1
	}

	return &Cache{
		build:   build,
		options: options,
		entries: make(map[Key]*list.Element),
		lru:     list.New(),
	}
}

// ReconstructionTree returns the cached tree for (time, anchor), building it
// on a miss. It implements TreeCreator.
func (c *Cache) ReconstructionTree(ctx context.Context, time float64, anchor model.PlateID) *Tree {
	tree, _ := c.Get(ctx, time, anchor)
	return tree
}

// Get returns the tree for (time, anchor) and whether it was a cache hit.
func (c *Cache) Get(ctx context.Context, t float64, anchor model.PlateID) (*Tree, bool) {
	start := time.Now()
	ctx, span := startCacheSpan(ctx, c.options.Name, t, anchor)
	defer span.End()

	// NaN never equals itself, so a NaN key could be stored but never found
	// or evicted. Such trees are built and returned without being cached.
	if math.IsNaN(t) {
		c.misses++
		recordCacheMiss(ctx, c.options.Name)
		tree := c.build(ctx, t, anchor)
		recordCacheGetLatency(ctx, c.options.Name, time.Since(start), false)
		setCacheSpanResult(span, false)
		return tree, false
	}

	key := Key{Time: t, Anchor: anchor}
	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		recordCacheHit(ctx, c.options.Name)
		recordCacheGetLatency(ctx, c.options.Name, time.Since(start), true)
		setCacheSpanResult(span, true)
		return elem.Value.(*cacheEntry).tree, true
	}

	c.misses++
	recordCacheMiss(ctx, c.options.Name)

	tree := c.build(ctx, t, anchor)
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, tree: tree})
	c.evictIfNeeded(ctx)

	recordCacheGetLatency(ctx, c.options.Name, time.Since(start), false)
	setCacheSpanResult(span, false)
	return tree, false
}

// Contains reports whether (time, anchor) is cached without touching the
// recency order.
func (c *Cache) Contains(t float64, anchor model.PlateID) bool {
	_, ok := c.entries[Key{Time: t, Anchor: anchor}]
	return ok
}

// Keys returns cached keys from most to least recently used.
func (c *Cache) Keys() []Key {
	out := make([]Key, 0, c.lru.Len())
	for e := c.lru.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*cacheEntry).key)
	}
	return out
}

// Len returns the number of cached trees.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// MaxEntries returns the configured bound.
func (c *Cache) MaxEntries() int {
	return c.options.MaxEntries
}

// Clear drops every cached tree. Counters are kept.
func (c *Cache) Clear() {
	c.entries = make(map[Key]*list.Element)
	c.lru.Init()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.lru.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// evictIfNeeded drops least recently used trees until within bounds.
func (c *Cache) evictIfNeeded(ctx context.Context) {
	for c.lru.Len() > c.options.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*cacheEntry)
		c.lru.Remove(oldest)
		delete(c.entries, entry.key)
		c.evictions++
		recordCacheEviction(ctx, c.options.Name)
	}
}
