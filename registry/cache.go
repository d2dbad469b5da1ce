package registry

import (
	"sync"
	"time"

	"github.com/apphub/apphub/store"
)

// manifestState is one loaded generation of the merged manifest view.
type manifestState struct {
	entries   map[string]*store.ServiceManifest
	fetchedAt time.Time
}

// manifestCache holds the merged manifest state behind a short TTL.
// Invalidation messages force the next read to reload; the TTL alone
// carries correctness.
type manifestCache struct {
	mu        sync.Mutex
	state     *manifestState
	expiresAt time.Time
	ttl       time.Duration
}

func newManifestCache(ttl time.Duration) *manifestCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &manifestCache{ttl: ttl}
}

func (c *manifestCache) get(now time.Time) *manifestState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil || now.After(c.expiresAt) {
		return nil
	}
	return c.state
}

func (c *manifestCache) put(state *manifestState, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.expiresAt = now.Add(c.ttl)
}

func (c *manifestCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = nil
}

// healthCache holds recent probe results per service slug.
type healthCache struct {
	mu      sync.Mutex
	entries map[string]healthEntry
	ttl     time.Duration
}

type healthEntry struct {
	snapshot  *store.HealthSnapshot
	expiresAt time.Time
}

func newHealthCache(ttl time.Duration) *healthCache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &healthCache{entries: make(map[string]healthEntry), ttl: ttl}
}

func (c *healthCache) get(slug string, now time.Time) *store.HealthSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[slug]
	if !ok || now.After(entry.expiresAt) {
		return nil
	}
	return entry.snapshot
}

func (c *healthCache) put(slug string, snap *store.HealthSnapshot, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[slug] = healthEntry{snapshot: snap, expiresAt: now.Add(c.ttl)}
}

func (c *healthCache) invalidate(slug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, slug)
}

func (c *healthCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]healthEntry)
}
