package router

import (
	"sync"
	"time"
)

// dedupCache tracks recently seen event ids inside a bounded window. Chat
// platforms redeliver events after transient failures; a redelivered event id
// must never cause a second dispatch.
type dedupCache struct {
	mu        sync.Mutex
	window    time.Duration
	seen      map[string]time.Time
	lastPrune time.Time
}

func newDedupCache(window time.Duration) *dedupCache {
	return &dedupCache{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// MarkSeen records the event id and reports whether this is its first
// sighting inside the window. The check and the record are one atomic step,
// so concurrent deliveries of the same id yield exactly one true.
func (c *dedupCache) MarkSeen(eventID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts, ok := c.seen[eventID]; ok && now.Sub(ts) < c.window {
		return false
	}
	c.seen[eventID] = now

	// Opportunistic cleanup so the map stays bounded without a timer.
	if now.Sub(c.lastPrune) >= c.window {
		c.pruneLocked(now)
	}
	return true
}

// Forget removes an event id so a later redelivery counts as a first
// sighting, used when an accepted event could not be enqueued after all.
func (c *dedupCache) Forget(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, eventID)
}

// Prune drops entries older than the window and returns how many were removed.
func (c *dedupCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(now)
}

func (c *dedupCache) pruneLocked(now time.Time) int {
	removed := 0
	for id, ts := range c.seen {
		if now.Sub(ts) >= c.window {
			delete(c.seen, id)
			removed++
		}
	}
	c.lastPrune = now
	return removed
}
