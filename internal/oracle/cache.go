package oracle

import (
	"sync"
	"time"
)

// cacheEntry holds a cached quote.
type cacheEntry struct {
	quote     *Quote
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// quoteCache is a thread-safe in-memory cache for bureau quotes.
// Entries expire after a configurable TTL, bounded by the oracle's max data
// age so a cache hit can never serve data the staleness check would reject.
type quoteCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newQuoteCache(ttl time.Duration) *quoteCache {
	return &quoteCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// get looks up a cached quote by symbol.
func (c *quoteCache) get(symbol string) (*Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok || e.expired() {
		return nil, false
	}
	return e.quote, true
}

// set stores a quote in the cache.
func (c *quoteCache) set(q *Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[q.Symbol] = &cacheEntry{
		quote:     q,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// invalidate removes a specific symbol from the cache.
func (c *quoteCache) invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, symbol)
}

// evict removes all expired entries.
func (c *quoteCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// len returns the number of cached entries (including expired).
func (c *quoteCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
