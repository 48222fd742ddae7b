package classify

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
)

const DefaultCacheTTL = 750 * time.Millisecond

type cacheEntry struct {
	dec  Decision
	at   time.Time
	root cdp.BackendNodeID
}

// Cache memoizes decisions by element identity for a short TTL.
type Cache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[cdp.BackendNodeID]cacheEntry
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, entries: make(map[cdp.BackendNodeID]cacheEntry)}
}

func (c *Cache) Get(id cdp.BackendNodeID, now time.Time) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Decision{}, false
	}
	if now.Sub(e.at) >= c.ttl {
		delete(c.entries, id)
		return Decision{}, false
	}
	return e.dec, true
}

func (c *Cache) Put(id, root cdp.BackendNodeID, dec Decision, now time.Time) {
	c.mu.Lock()
	c.entries[id] = cacheEntry{dec: dec, at: now, root: root}
	c.mu.Unlock()
}

// InvalidateRoot drops every decision for elements owned by root.
func (c *Cache) InvalidateRoot(root cdp.BackendNodeID) {
	c.mu.Lock()
	for id, e := range c.entries {
		if e.root == root {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
}

func (c *Cache) Forget(id cdp.BackendNodeID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Purge drops expired entries and returns how many remain.
func (c *Cache) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if now.Sub(e.at) >= c.ttl {
			delete(c.entries, id)
		}
	}
	return len(c.entries)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[cdp.BackendNodeID]cacheEntry)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
