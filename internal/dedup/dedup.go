// Package dedup provides an in-memory content-hash cache that drops rapid
// retransmits of identical payloads.
package dedup

import (
	"hash/fnv"
	"sync"
	"time"
)

// evictThreshold is the map size above which expired entries are swept
// before inserting. There is no background eviction goroutine.
const evictThreshold = 100

// Cache maps 64-bit content hashes to insertion instants with TTL expiry.
// The duplicate-hit path takes only the read lock.
type Cache struct {
	mu      sync.RWMutex
	entries map[uint64]time.Time
	ttl     time.Duration
}

// New creates a Cache with the given TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[uint64]time.Time),
		ttl:     ttl,
	}
}

// IsDuplicate reports whether identical content was seen within the TTL.
// A hit does not refresh the entry's timestamp; a miss records the content.
func (c *Cache) IsDuplicate(content string) bool {
	h := hashContent(content)
	now := time.Now()

	c.mu.RLock()
	at, ok := c.entries[h]
	c.mu.RUnlock()
	if ok && now.Sub(at) < c.ttl {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the write lock; another goroutine may have inserted
	// the same content between the two lock acquisitions.
	if at, ok := c.entries[h]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if len(c.entries) > evictThreshold {
		for k, v := range c.entries {
			if now.Sub(v) >= c.ttl {
				delete(c.entries, k)
			}
		}
	}
	c.entries[h] = now
	return false
}

// TTL returns the configured expiry window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Len returns the current number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// hashContent is FNV-1a over the content bytes.
func hashContent(content string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(content))
	return h.Sum64()
}
