// Package keys resolves the public key that signed a token through the
// two-hop issuer discovery protocol, caching results per issuer and key id.
package keys

import (
	"sync"
	"time"
)

// DefaultTTL is how long a discovered key is trusted without refetching.
const DefaultTTL = 300 * time.Second

// Cache maps "{issuer}:{kid}" to a PEM encoded public key. Expired entries
// are treated as absent on read and left in place until overwritten.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	pem     string
	expires time.Time
}

// NewCache creates an empty cache. Construct one per process and share it.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry), now: time.Now}
}

// WithClock replaces the cache clock. Used by tests to move past expiry.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

func cacheKey(issuer, kid string) string {
	return issuer + ":" + kid
}

// Get returns the cached key for issuer and kid if present and unexpired.
func (c *Cache) Get(issuer, kid string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(issuer, kid)]
	if !ok || !c.now().Before(e.expires) {
		return "", false
	}
	return e.pem, true
}

// Put stores pem for ttl. A non-positive ttl falls back to DefaultTTL.
func (c *Cache) Put(issuer, kid, pem string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(issuer, kid)] = cacheEntry{pem: pem, expires: c.now().Add(ttl)}
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
