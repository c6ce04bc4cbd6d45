package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/javi11/nfsvfs/internal/upstream"
)

const (
	DefaultStatTTL        = time.Second
	DefaultStatMaxEntries = 1000
)

// StatCacheOptions configures a StatCache. Zero values select defaults.
type StatCacheOptions struct {
	TTL        time.Duration
	MaxEntries int
}

// StatCacheStats provides cache statistics for monitoring.
type StatCacheStats struct {
	Size   int    `json:"size"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Clears uint64 `json:"clears"`
}

type statEntry struct {
	stat     upstream.Stat
	captured time.Time
}

// StatCache keeps recently observed metadata keyed by full resource
// identifier. Entries older than the TTL are never returned. Once the entry
// count passes MaxEntries the whole map is dropped.
type StatCache struct {
	mu         sync.Mutex
	entries    map[string]statEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
	clears atomic.Uint64
}

// NewStatCache creates a stat cache.
func NewStatCache(opts StatCacheOptions) *StatCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultStatTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultStatMaxEntries
	}

	return &StatCache{
		entries:    make(map[string]statEntry),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		now:        time.Now,
	}
}

// Get returns a fresh entry for path. Expired entries are removed.
func (c *StatCache) Get(path string) (upstream.Stat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		c.misses.Add(1)
		return upstream.Stat{}, false
	}

	if c.now().Sub(e.captured) >= c.ttl {
		delete(c.entries, path)
		c.misses.Add(1)
		return upstream.Stat{}, false
	}

	c.hits.Add(1)
	return e.stat, true
}

// Put stores stat for path, replacing any previous entry.
func (c *StatCache) Put(path string, stat upstream.Stat) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[path] = statEntry{stat: stat, captured: c.now()}

	if len(c.entries) > c.maxEntries {
		clear(c.entries)
		c.clears.Add(1)
	}
}

// Invalidate drops the entry for path.
func (c *StatCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
}

// Clear drops every entry.
func (c *StatCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.entries)
}

// Stats returns cache statistics.
func (c *StatCache) Stats() StatCacheStats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	return StatCacheStats{
		Size:   size,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Clears: c.clears.Load(),
	}
}
