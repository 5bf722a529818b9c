// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

// Package cache implements the score cache: a bounded LRU with TTL, keyed by
// (user, variant, model epoch, context), with secondary indexes for O(k)
// per-user and per-epoch invalidation and an integrity checksum on every
// entry.
package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"

	"github.com/rankline/rankline/internal/metrics"
	"github.com/rankline/rankline/internal/models"
)

// entry is one cached score list node in the LRU list.
type entry struct {
	key       Key
	items     []models.ScoredItem
	checksum  uint64
	expiresAt time.Time
	prev      *entry
	next      *entry
}

// ScoreCache is a thread-safe LRU score cache with TTL and checksummed
// entries. O(1) Get/Put, O(k) invalidation where k is the number of entries
// under the invalidated user or epoch.
type ScoreCache struct {
	mu sync.Mutex

	capacity int
	ttl      time.Duration

	items map[Key]*entry

	// byUser and byEpoch are secondary indexes so invalidation never
	// scans the full cache.
	byUser  map[string]map[Key]struct{}
	byEpoch map[uint64]map[Key]struct{}

	// head.next is most recently used, tail.prev least recently used.
	head *entry
	tail *entry
}

// New creates a ScoreCache with the given capacity and TTL.
func New(capacity int, ttl time.Duration) *ScoreCache {
	if capacity <= 0 {
		capacity = 100000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &ScoreCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[Key]*entry, capacity),
		byUser:   make(map[string]map[Key]struct{}),
		byEpoch:  make(map[uint64]map[Key]struct{}),
		head:     &entry{},
		tail:     &entry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

// Get returns the cached score list for key, or (nil, false) on a miss.
// Expired entries and entries failing the checksum are removed and count
// as misses; a corrupted entry is never served.
func (c *ScoreCache) Get(key Key) ([]models.ScoredItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		c.removeEntry(e)
		metrics.CacheEvictions.WithLabelValues("ttl").Inc()
		metrics.CacheMisses.Inc()
		return nil, false
	}

	if checksumItems(e.items) != e.checksum {
		c.removeEntry(e)
		metrics.CacheCorruptions.Inc()
		metrics.CacheMisses.Inc()
		return nil, false
	}

	c.moveToFront(e)
	metrics.CacheHits.Inc()
	return e.items, true
}

// Put stores a score list under key, evicting the least recently used entry
// when over capacity. The stored slice must not be mutated by the caller
// afterwards.
func (c *ScoreCache) Put(key Key, items []models.ScoredItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)
	sum := checksumItems(items)

	if e, ok := c.items[key]; ok {
		e.items = items
		e.checksum = sum
		e.expiresAt = expiresAt
		c.moveToFront(e)
		return
	}

	e := &entry{
		key:       key,
		items:     items,
		checksum:  sum,
		expiresAt: expiresAt,
	}
	c.addToFront(e)
	c.items[key] = e
	c.indexAdd(e)

	for len(c.items) > c.capacity {
		c.evictOldest()
	}

	metrics.CacheSize.Set(float64(len(c.items)))
}

// InvalidateUser removes every cached list for the user across all variants,
// epochs, and contexts. Invalidating an absent user is a no-op, so repeated
// invalidation is safe.
func (c *ScoreCache) InvalidateUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byUser[userID]
	removed := 0
	for key := range keys {
		if e, ok := c.items[key]; ok {
			c.removeEntry(e)
			removed++
		}
	}
	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues("user_invalidation").Add(float64(removed))
		metrics.CacheSize.Set(float64(len(c.items)))
	}
	return removed
}

// InvalidateEpoch removes every cached list computed under the given model
// epoch. Called when an epoch is retired by promotion. Idempotent.
func (c *ScoreCache) InvalidateEpoch(epoch uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byEpoch[epoch]
	removed := 0
	for key := range keys {
		if e, ok := c.items[key]; ok {
			c.removeEntry(e)
			removed++
		}
	}
	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues("epoch_invalidation").Add(float64(removed))
		metrics.CacheSize.Set(float64(len(c.items)))
	}
	return removed
}

// Len returns the current number of entries.
func (c *ScoreCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear removes all entries.
func (c *ScoreCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[Key]*entry, c.capacity)
	c.byUser = make(map[string]map[Key]struct{})
	c.byEpoch = make(map[uint64]map[Key]struct{})
	c.head.next = c.tail
	c.tail.prev = c.head
	metrics.CacheSize.Set(0)
}

// checksumItems fingerprints a score list for integrity checking.
func checksumItems(items []models.ScoredItem) uint64 {
	data, err := json.Marshal(items)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}

// Internal methods (must be called with mu held)

func (c *ScoreCache) indexAdd(e *entry) {
	userKeys, ok := c.byUser[e.key.UserID]
	if !ok {
		userKeys = make(map[Key]struct{})
		c.byUser[e.key.UserID] = userKeys
	}
	userKeys[e.key] = struct{}{}

	epochKeys, ok := c.byEpoch[e.key.Epoch]
	if !ok {
		epochKeys = make(map[Key]struct{})
		c.byEpoch[e.key.Epoch] = epochKeys
	}
	epochKeys[e.key] = struct{}{}
}

func (c *ScoreCache) indexRemove(e *entry) {
	if userKeys, ok := c.byUser[e.key.UserID]; ok {
		delete(userKeys, e.key)
		if len(userKeys) == 0 {
			delete(c.byUser, e.key.UserID)
		}
	}
	if epochKeys, ok := c.byEpoch[e.key.Epoch]; ok {
		delete(epochKeys, e.key)
		if len(epochKeys) == 0 {
			delete(c.byEpoch, e.key.Epoch)
		}
	}
}

func (c *ScoreCache) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *ScoreCache) moveToFront(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.addToFront(e)
}

func (c *ScoreCache) removeEntry(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.items, e.key)
	c.indexRemove(e)
}

func (c *ScoreCache) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.removeEntry(oldest)
	metrics.CacheEvictions.WithLabelValues("lru").Inc()
}
