package apikey

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/keygate/keygate/internal/telemetry"
)

// cacheEntry holds one cached validation result
type cacheEntry struct {
	meta      *Metadata
	expiresAt time.Time
}

// Cache is a TTL-bounded map from raw key to validation metadata. It is safe
// for unbounded concurrent use. Entries are advisory, never the source of
// truth — the key-management service can invalidate them at any time through
// Evict or Clear, and a janitor goroutine removes expired entries so revoked
// keys do not linger in memory after their TTL.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// CacheStats is a point-in-time snapshot for the diagnostic admin endpoint.
type CacheStats struct {
	Entries   int           `json:"entries"`
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Evictions int64         `json:"evictions"`
	TTL       time.Duration `json:"-"`
}

// NewCache creates a metadata cache with the given entry TTL and starts a
// janitor goroutine that removes expired entries every cleanupInterval.
// Call Stop to terminate the janitor.
func NewCache(ttl, cleanupInterval time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go c.cleanup(cleanupInterval)
	}

	return c
}

// cleanup periodically removes expired entries
func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
					c.evictions.Add(1)
					telemetry.CacheEvictionsTotal.WithLabelValues("ttl").Inc()
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

// Stop terminates the janitor goroutine.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// Get returns the cached metadata for rawKey if present and not expired.
// Expired entries are treated as misses even before the janitor removes them.
func (c *Cache) Get(rawKey string) (*Metadata, bool) {
	c.mu.RLock()
	entry, ok := c.entries[rawKey]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		c.misses.Add(1)
		telemetry.CacheMissesTotal.Inc()
		return nil, false
	}

	c.hits.Add(1)
	telemetry.CacheHitsTotal.Inc()
	return entry.meta, true
}

// Put stores a positive validation result for the cache TTL. Callers must
// never Put a nil Metadata; negative results are represented by absence.
func (c *Cache) Put(rawKey string, meta *Metadata) {
	c.mu.Lock()
	c.entries[rawKey] = &cacheEntry{
		meta:      meta,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Evict removes a single entry and reports whether it was present. Used when
// the key-management service signals a status change for one key.
func (c *Cache) Evict(rawKey string) bool {
	c.mu.Lock()
	_, ok := c.entries[rawKey]
	delete(c.entries, rawKey)
	c.mu.Unlock()

	if ok {
		c.evictions.Add(1)
		telemetry.CacheEvictionsTotal.WithLabelValues("explicit").Inc()
	}
	return ok
}

// Clear removes all entries and returns how many were dropped. This is the
// coarse invalidation path used when the owning service cannot cheaply
// identify which raw key changed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()

	if n > 0 {
		c.evictions.Add(int64(n))
		telemetry.CacheEvictionsTotal.WithLabelValues("clear_all").Add(float64(n))
	}
	return n
}

// Stats returns a snapshot of cache counters for the diagnostics endpoint.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	return CacheStats{
		Entries:   entries,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		TTL:       c.ttl,
	}
}
