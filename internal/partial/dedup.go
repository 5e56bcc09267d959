package partial

import (
	"time"
)

// dedupCache remembers the normalized hashes of recently forwarded text.
// Entries expire after a TTL; cleanup is opportunistic on access with an
// emergency full purge when the map outgrows its bound. Callers hold the
// session lock, so the cache itself is unsynchronized.
type dedupCache struct {
	ttl        time.Duration
	maxEntries int
	entries    map[string]time.Time
}

func newDedupCache(ttl time.Duration, maxEntries int) *dedupCache {
	return &dedupCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    map[string]time.Time{},
	}
}

// contains reports whether hash is present and unexpired.
func (c *dedupCache) contains(hash string, now time.Time) bool {
	exp, ok := c.entries[hash]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(c.entries, hash)
		return false
	}
	return true
}

// add records hash, sweeping expired entries first when the map is at its
// bound and dropping everything if that is not enough.
func (c *dedupCache) add(hash string, now time.Time) {
	if len(c.entries) >= c.maxEntries {
		for h, exp := range c.entries {
			if now.After(exp) {
				delete(c.entries, h)
			}
		}
		if len(c.entries) >= c.maxEntries {
			// Emergency purge. Losing dedup state is preferable to unbounded
			// growth; the worst case is one duplicated segment per entry.
			c.entries = map[string]time.Time{}
		}
	}
	c.entries[hash] = now.Add(c.ttl)
}

func (c *dedupCache) len() int { return len(c.entries) }
