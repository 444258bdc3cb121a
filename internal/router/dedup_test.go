package router

import (
	"testing"
	"time"
)

func TestDedupCacheMarkSeen(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := newDedupCache(10 * time.Minute)

	if !cache.MarkSeen("e1", now) {
		t.Fatal("first sighting of e1 should return true")
	}
	if cache.MarkSeen("e1", now.Add(time.Second)) {
		t.Error("redelivery inside the window should return false")
	}
	if cache.MarkSeen("e1", now.Add(9*time.Minute)) {
		t.Error("redelivery near the end of the window should return false")
	}
	if !cache.MarkSeen("e1", now.Add(11*time.Minute)) {
		t.Error("sighting after the window expires should return true again")
	}
	if !cache.MarkSeen("e2", now) {
		t.Error("an unrelated event id should always be a first sighting")
	}
}

func TestDedupCachePrune(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := newDedupCache(5 * time.Minute)

	cache.MarkSeen("old-1", now)
	cache.MarkSeen("old-2", now)
	cache.MarkSeen("fresh", now.Add(4*time.Minute))

	removed := cache.Prune(now.Add(6 * time.Minute))
	if removed != 2 {
		t.Errorf("Prune removed %d entries, want 2", removed)
	}

	if cache.MarkSeen("fresh", now.Add(7*time.Minute)) {
		t.Error("fresh entry should have survived the prune")
	}
	if !cache.MarkSeen("old-1", now.Add(7*time.Minute)) {
		t.Error("pruned entry should be a first sighting again")
	}
}
