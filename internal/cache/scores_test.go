// Rankline - Personalized Recommendation Serving and Experimentation
// Copyright 2026 Rankline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rankline/rankline

package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/rankline/rankline/internal/models"
)

func testItems(ids ...string) []models.ScoredItem {
	items := make([]models.ScoredItem, len(ids))
	for i, id := range ids {
		items[i] = models.ScoredItem{ContentID: id, Score: 1.0 - float64(i)*0.1}
	}
	return items
}

func TestGetPutRoundTrip(t *testing.T) {
	c := New(10, time.Minute)
	key := Key{UserID: "u1", VariantID: "control", Epoch: 1}

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put(key, testItems("a", "b", "c"))

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if len(got) != 3 || got[0].ContentID != "a" {
		t.Errorf("unexpected items: %+v", got)
	}
}

func TestKeyComponentsDistinguishEntries(t *testing.T) {
	c := New(10, time.Minute)
	base := Key{UserID: "u1", VariantID: "control", Epoch: 1, ContextHash: 100}
	c.Put(base, testItems("a"))

	variants := []Key{
		{UserID: "u2", VariantID: "control", Epoch: 1, ContextHash: 100},
		{UserID: "u1", VariantID: "treatment", Epoch: 1, ContextHash: 100},
		{UserID: "u1", VariantID: "control", Epoch: 2, ContextHash: 100},
		{UserID: "u1", VariantID: "control", Epoch: 1, ContextHash: 200},
	}

	for _, k := range variants {
		if _, ok := c.Get(k); ok {
			t.Errorf("key %+v unexpectedly hit entry stored under %+v", k, base)
		}
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, 10*time.Millisecond)
	key := Key{UserID: "u1", VariantID: "control", Epoch: 1}
	c.Put(key, testItems("a"))

	if _, ok := c.Get(key); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(key); ok {
		t.Error("expected miss after TTL expiry")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, len = %d", c.Len())
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		c.Put(Key{UserID: fmt.Sprintf("u%d", i), VariantID: "control", Epoch: 1}, testItems("a"))
	}

	// Touch u0 so u1 becomes the oldest.
	if _, ok := c.Get(Key{UserID: "u0", VariantID: "control", Epoch: 1}); !ok {
		t.Fatal("expected hit for u0")
	}

	c.Put(Key{UserID: "u3", VariantID: "control", Epoch: 1}, testItems("a"))

	if _, ok := c.Get(Key{UserID: "u1", VariantID: "control", Epoch: 1}); ok {
		t.Error("expected u1 to be evicted as least recently used")
	}
	if _, ok := c.Get(Key{UserID: "u0", VariantID: "control", Epoch: 1}); !ok {
		t.Error("expected u0 to survive eviction")
	}
	if c.Len() != 3 {
		t.Errorf("len = %d, want 3", c.Len())
	}
}

func TestInvalidateUserRemovesAllVariantsAndContexts(t *testing.T) {
	c := New(100, time.Minute)

	keys := []Key{
		{UserID: "u1", VariantID: "control", Epoch: 1, ContextHash: 1},
		{UserID: "u1", VariantID: "treatment", Epoch: 1, ContextHash: 1},
		{UserID: "u1", VariantID: "control", Epoch: 2, ContextHash: 2},
		{UserID: "u2", VariantID: "control", Epoch: 1, ContextHash: 1},
	}
	for _, k := range keys {
		c.Put(k, testItems("a"))
	}

	if removed := c.InvalidateUser("u1"); removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	for _, k := range keys[:3] {
		if _, ok := c.Get(k); ok {
			t.Errorf("key %+v survived user invalidation", k)
		}
	}
	if _, ok := c.Get(keys[3]); !ok {
		t.Error("unrelated user's entry was invalidated")
	}
}

func TestInvalidateUserIdempotent(t *testing.T) {
	c := New(10, time.Minute)
	c.Put(Key{UserID: "u1", VariantID: "control", Epoch: 1}, testItems("a"))

	if removed := c.InvalidateUser("u1"); removed != 1 {
		t.Errorf("first invalidation removed %d, want 1", removed)
	}
	if removed := c.InvalidateUser("u1"); removed != 0 {
		t.Errorf("second invalidation removed %d, want 0", removed)
	}
	if removed := c.InvalidateUser("never-seen"); removed != 0 {
		t.Errorf("invalidating unknown user removed %d, want 0", removed)
	}
}

func TestInvalidateEpoch(t *testing.T) {
	c := New(100, time.Minute)

	for i := 0; i < 5; i++ {
		c.Put(Key{UserID: fmt.Sprintf("u%d", i), VariantID: "control", Epoch: 3}, testItems("a"))
	}
	c.Put(Key{UserID: "u0", VariantID: "control", Epoch: 4}, testItems("b"))

	if removed := c.InvalidateEpoch(3); removed != 5 {
		t.Errorf("removed = %d, want 5", removed)
	}

	// Epoch 4 entries survive; any epoch-3 lookup now misses.
	if _, ok := c.Get(Key{UserID: "u0", VariantID: "control", Epoch: 4}); !ok {
		t.Error("epoch 4 entry should survive epoch 3 invalidation")
	}
	if _, ok := c.Get(Key{UserID: "u0", VariantID: "control", Epoch: 3}); ok {
		t.Error("epoch 3 entry served after invalidation")
	}
}

func TestCorruptedEntryNeverServed(t *testing.T) {
	c := New(10, time.Minute)
	key := Key{UserID: "u1", VariantID: "control", Epoch: 1}

	items := testItems("a", "b")
	c.Put(key, items)

	// Simulate corruption of the stored data after the checksum was taken.
	c.mu.Lock()
	c.items[key].items[0].ContentID = "tampered"
	c.mu.Unlock()

	if _, ok := c.Get(key); ok {
		t.Fatal("corrupted entry was served")
	}
	if c.Len() != 0 {
		t.Errorf("corrupted entry not dropped, len = %d", c.Len())
	}
}

func TestHashContextFieldBoundaries(t *testing.T) {
	a := HashContext(models.InteractionContext{Device: "ab", Location: "c"})
	b := HashContext(models.InteractionContext{Device: "a", Location: "bc"})
	if a == b {
		t.Error("context hashes collide across field boundaries")
	}

	same1 := HashContext(models.InteractionContext{Device: "mobile", Surface: "home"})
	same2 := HashContext(models.InteractionContext{Device: "mobile", Surface: "home"})
	if same1 != same2 {
		t.Error("identical contexts hash differently")
	}
}
