package abtest

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	traceID string
	tracker *tracker
	expires time.Time
	elem    *list.Element
}

// Cache keeps the results of recent comparisons in memory, including
// those still in progress. Entries expire after the result TTL and the
// least recently stored entry is evicted once maxSize is reached.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = newest
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a cache. maxSize 0 means unbounded, ttl 0 means no expiry.
func NewCache(maxSize int, ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     now,
	}
}

// claim stores t under traceID unless a live entry already holds it.
func (c *Cache) claim(traceID string, t *tracker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[traceID]; ok {
		if old.expires.IsZero() || c.now().Before(old.expires) {
			return false
		}
		c.lru.Remove(old.elem)
		delete(c.entries, traceID)
	}
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	e := &cacheEntry{traceID: traceID, tracker: t}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	e.elem = c.lru.PushFront(e)
	c.entries[traceID] = e
	return true
}

func (c *Cache) get(traceID string) (*tracker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[traceID]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.lru.Remove(e.elem)
		delete(c.entries, traceID)
		return nil, false
	}
	return e.tracker, true
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, e := range c.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			c.lru.Remove(e.elem)
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldest() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	e := back.Value.(*cacheEntry)
	c.lru.Remove(back)
	delete(c.entries, e.traceID)
}
