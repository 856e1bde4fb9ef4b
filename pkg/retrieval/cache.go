package retrieval

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// cacheEntry holds one cached result list and the sessions it surfaced,
// for best-effort invalidation on save.
type cacheEntry struct {
	key      uint64
	results  []Result
	sessions map[string]bool
	storedAt time.Time
}

// resultCache is a bounded LRU with per-entry TTL. Correctness never
// depends on it; a stale hit is at worst slightly out of date until the
// TTL expires.
type resultCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[uint64]*list.Element
	order   *list.List

	hits   uint64
	misses uint64
}

func newResultCache(maxSize int, ttl time.Duration) *resultCache {
	if maxSize <= 0 {
		maxSize = 512
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &resultCache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
	}
}

// cacheKey hashes the request shape. FNV is enough; collisions only cost
// a wrong cache hit within one TTL window.
func cacheKey(query, strategy string, maxResults int, rerank bool) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%t", query, strategy, maxResults, rerank)
	return h.Sum64()
}

func (c *resultCache) get(key uint64) ([]Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := element.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(element)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(element)
	c.hits++
	return entry.results, true
}

func (c *resultCache) put(key uint64, results []Result) {
	sessions := make(map[string]bool, len(results))
	for _, r := range results {
		if r.SessionID != "" {
			sessions[r.SessionID] = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.entries[key]; ok {
		entry := element.Value.(*cacheEntry)
		entry.results = results
		entry.sessions = sessions
		entry.storedAt = time.Now()
		c.order.MoveToFront(element)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{
		key:      key,
		results:  results,
		sessions: sessions,
		storedAt: time.Now(),
	})
}

// invalidateSession drops every entry that surfaced the session.
func (c *resultCache) invalidateSession(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, element := range c.entries {
		if element.Value.(*cacheEntry).sessions[sessionID] {
			c.order.Remove(element)
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// stats reports entry count and the lookup hit ratio since startup.
func (c *resultCache) stats() (size int, hitRatio float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total > 0 {
		hitRatio = float64(c.hits) / float64(total)
	}
	return len(c.entries), hitRatio
}
