package pool

import (
	"fmt"
	"testing"
	"time"

	"github.com/javi11/nfsvfs/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStatCache(opts StatCacheOptions) (*StatCache, *time.Time) {
	c := NewStatCache(opts)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestStatCache_Defaults(t *testing.T) {
	c := NewStatCache(StatCacheOptions{})
	assert.Equal(t, DefaultStatTTL, c.ttl)
	assert.Equal(t, DefaultStatMaxEntries, c.maxEntries)
}

func TestStatCache_GetPut(t *testing.T) {
	c, _ := newTestStatCache(StatCacheOptions{})

	_, ok := c.Get("h1:/export/a")
	assert.False(t, ok)

	c.Put("h1:/export/a", upstream.Stat{Name: "a", Size: 10})
	st, ok := c.Get("h1:/export/a")
	require.True(t, ok)
	assert.Equal(t, int64(10), st.Size)

	c.Put("h1:/export/a", upstream.Stat{Name: "a", Size: 20})
	st, _ = c.Get("h1:/export/a")
	assert.Equal(t, int64(20), st.Size)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestStatCache_Expiry(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		fresh   bool
	}{
		{"just stored", 0, true},
		{"before ttl", 999 * time.Millisecond, true},
		{"at ttl", time.Second, false},
		{"after ttl", 2 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, now := newTestStatCache(StatCacheOptions{})
			c.Put("k", upstream.Stat{Size: 1})

			*now = now.Add(tt.elapsed)
			_, ok := c.Get("k")
			assert.Equal(t, tt.fresh, ok)

			if !tt.fresh {
				assert.Equal(t, 0, c.Stats().Size, "expired entry must be evicted on lookup")
			}
		})
	}
}

func TestStatCache_ClearsAboveCeiling(t *testing.T) {
	c, _ := newTestStatCache(StatCacheOptions{MaxEntries: 3})

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), upstream.Stat{})
	}
	assert.Equal(t, 3, c.Stats().Size)

	c.Put("k3", upstream.Stat{})
	stats := c.Stats()
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, uint64(1), stats.Clears)
}

func TestStatCache_Invalidate(t *testing.T) {
	c, _ := newTestStatCache(StatCacheOptions{})
	c.Put("a", upstream.Stat{})
	c.Put("b", upstream.Stat{})

	c.Invalidate("a")
	c.Invalidate("missing")

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
}
