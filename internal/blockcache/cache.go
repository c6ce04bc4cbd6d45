// Package blockcache provides a fixed-capacity cache of fixed-size file blocks
// used by the streaming read path. Blocks are keyed by (file, index) and
// evicted least-recently-used once every slot is taken.
package blockcache

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// BlockSize is the caching granularity: every slot holds exactly one block.
	BlockSize = 128 * 1024

	// DefaultCapacity is used when a non-positive capacity is configured.
	DefaultCapacity = 64 * 1024 * 1024
)

// FileID identifies one file's block address space.
type FileID uint64

// NewFileID derives a stable identity from a full resource identifier such
// as "server:/export/path", so every handle on the same file shares blocks.
func NewFileID(resource string) FileID {
	sum := blake3.Sum256([]byte(resource))
	return FileID(binary.LittleEndian.Uint64(sum[:8]))
}

// BlockID is the composite key of a cached block.
type BlockID struct {
	File  FileID
	Index int64
}

// BlockIndex returns the index of the block containing offset.
func BlockIndex(offset int64) int64 {
	return offset / BlockSize
}

// Result classifies a Read against the cache.
type Result int

const (
	// Miss means the first block of the request was not resident.
	Miss Result = iota
	// PartialHit means only a prefix of the request could be served.
	PartialHit
	// CompleteHit means the whole request was served from the cache.
	CompleteHit
)

func (r Result) String() string {
	switch r {
	case CompleteHit:
		return "complete_hit"
	case PartialHit:
		return "partial_hit"
	default:
		return "miss"
	}
}

// Stats provides cache statistics for monitoring.
type Stats struct {
	Slots       int    `json:"slots"`
	UsedSlots   int    `json:"used_slots"`
	BlockSize   int    `json:"block_size"`
	Hits        uint64 `json:"hits"`
	PartialHits uint64 `json:"partial_hits"`
	Misses      uint64 `json:"misses"`
	Puts        uint64 `json:"puts"`
	Evictions   uint64 `json:"evictions"`
	Invalidated uint64 `json:"invalidated"`
	StalePuts   uint64 `json:"stale_puts"`
}

type slot struct {
	data       []byte
	id         BlockID
	valid      bool
	lastAccess uint64
}

// waiter is a one-shot notifier shared by every goroutine waiting on the
// same block. Put closes it.
type waiter struct {
	ch   chan struct{}
	refs int
}

// Cache is a fixed-capacity block cache. All methods are safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	slots   []slot
	index   map[BlockID]int
	clock   uint64
	waiters map[BlockID]*waiter

	// gens counts invalidations per file. A fetch that started under an older
	// generation may hold bytes a write has since replaced.
	gens map[FileID]uint64

	// Statistics
	hits        atomic.Uint64
	partialHits atomic.Uint64
	misses      atomic.Uint64
	puts        atomic.Uint64
	evictions   atomic.Uint64
	invalidated atomic.Uint64
	stalePuts   atomic.Uint64

	log *slog.Logger
}

// New creates a cache able to hold capacityBytes/BlockSize blocks. A
// non-positive capacity selects DefaultCapacity; at least one slot is always
// allocated. Slot buffers are allocated on first use.
func New(capacityBytes int64) *Cache {
	if capacityBytes <= 0 {
		capacityBytes = DefaultCapacity
	}

	n := int(capacityBytes / BlockSize)
	if n < 1 {
		n = 1
	}

	c := &Cache{
		slots:   make([]slot, n),
		index:   make(map[BlockID]int, n),
		waiters: make(map[BlockID]*waiter),
		gens:    make(map[FileID]uint64),
		log:     slog.Default().With("component", "block-cache"),
	}

	c.log.Info("Block cache initialized",
		"slots", n,
		"capacity_mb", capacityBytes/(1024*1024))

	return c
}

// BlockSize returns the caching granularity in bytes.
func (c *Cache) BlockSize() int {
	return BlockSize
}

// Capacity returns the number of slots.
func (c *Cache) Capacity() int {
	return len(c.slots)
}

// Put stores data as block id. If the block is already resident the call is
// a no-op and the first copy wins. Data longer than BlockSize is truncated,
// shorter data is zero-padded.
func (c *Cache) Put(id BlockID, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.putLocked(id, data)
}

// Generation returns the invalidation generation of file. Capture it before
// fetching a block from the upstream and store the result with
// PutIfGeneration.
func (c *Cache) Generation(file FileID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[file]
}

// PutIfGeneration stores data as block id only if no part of id's file was
// invalidated since gen was captured. It reports whether the block is
// resident afterwards.
func (c *Cache) PutIfGeneration(id BlockID, gen uint64, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[id.File] != gen {
		c.stalePuts.Add(1)
		c.log.Debug("Discarded stale block", "file", id.File, "block", id.Index)
		return false
	}

	c.putLocked(id, data)
	return true
}

func (c *Cache) putLocked(id BlockID, data []byte) {
	if _, ok := c.index[id]; ok {
		return
	}

	idx := c.victim()
	s := &c.slots[idx]
	if s.data == nil {
		s.data = make([]byte, BlockSize)
	}

	n := copy(s.data, data)
	clear(s.data[n:])

	c.clock++
	s.id = id
	s.valid = true
	s.lastAccess = c.clock
	c.index[id] = idx
	c.puts.Add(1)

	if w, ok := c.waiters[id]; ok {
		close(w.ch)
		delete(c.waiters, id)
	}
}

// victim returns a free slot, evicting the least recently used block when the
// cache is full. Must be called with c.mu held.
func (c *Cache) victim() int {
	for i := range c.slots {
		if !c.slots[i].valid {
			return i
		}
	}

	lru := 0
	for i := 1; i < len(c.slots); i++ {
		if c.slots[i].lastAccess < c.slots[lru].lastAccess {
			lru = i
		}
	}

	old := c.slots[lru].id
	delete(c.index, old)
	c.slots[lru].valid = false
	c.evictions.Add(1)

	c.log.Debug("Evicted block", "file", old.File, "block", old.Index, "slot", lru)

	return lru
}

// Read copies cached bytes of file starting at offset into p. It stops at the
// first absent block and returns the number of contiguous bytes copied from
// the front of the request.
func (c *Cache) Read(file FileID, offset int64, p []byte) (int, Result) {
	if len(p) == 0 {
		return 0, CompleteHit
	}
	if offset < 0 {
		c.misses.Add(1)
		return 0, Miss
	}
	if maxLen := math.MaxInt64 - offset; int64(len(p)) > maxLen {
		p = p[:maxLen]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.index) == 0 {
		c.misses.Add(1)
		return 0, Miss
	}

	first := BlockIndex(offset)
	last := BlockIndex(offset + int64(len(p)) - 1)

	copied := 0
	for b := first; b <= last; b++ {
		idx, ok := c.index[BlockID{File: file, Index: b}]
		if !ok {
			break
		}

		s := &c.slots[idx]
		c.clock++
		s.lastAccess = c.clock

		start := 0
		if b == first {
			start = int(offset % BlockSize)
		}
		copied += copy(p[copied:], s.data[start:])
	}

	switch {
	case copied == 0:
		c.misses.Add(1)
		return 0, Miss
	case copied < len(p):
		c.partialHits.Add(1)
		return copied, PartialHit
	default:
		c.hits.Add(1)
		return copied, CompleteHit
	}
}

// HasBlock reports whether id is resident. A positive answer counts as an
// access for LRU purposes.
func (c *Cache) HasBlock(id BlockID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.index[id]
	if !ok {
		return false
	}

	c.clock++
	c.slots[idx].lastAccess = c.clock
	return true
}

// Invalidate drops block id if it is resident and advances the generation of
// its file, so fetches already in flight for that file are not stored.
func (c *Cache) Invalidate(id BlockID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[id.File]++
	c.invalidateLocked(id)
}

func (c *Cache) invalidateLocked(id BlockID) {
	idx, ok := c.index[id]
	if !ok {
		return
	}

	c.slots[idx].valid = false
	delete(c.index, id)
	c.invalidated.Add(1)

	c.log.Debug("Invalidated block", "file", id.File, "block", id.Index)
}

// InvalidateRange drops every block of file overlapping [offset, offset+length)
// and advances the file's generation once.
func (c *Cache) InvalidateRange(file FileID, offset, length int64) {
	if length <= 0 || offset < 0 {
		return
	}
	if maxLen := math.MaxInt64 - offset; length > maxLen {
		length = maxLen
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[file]++

	first, last := BlockIndex(offset), BlockIndex(offset+length-1)
	if last-first >= int64(len(c.index)) {
		for id := range c.index {
			if id.File == file && id.Index >= first && id.Index <= last {
				c.invalidateLocked(id)
			}
		}
		return
	}
	for b := first; b <= last; b++ {
		c.invalidateLocked(BlockID{File: file, Index: b})
	}
}

// WaitForBlock blocks until id becomes resident or timeout elapses. It
// reports whether the block was resident when it returned.
func (c *Cache) WaitForBlock(id BlockID, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		c.mu.Lock()
		if _, ok := c.index[id]; ok {
			c.mu.Unlock()
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.mu.Unlock()
			return false
		}

		w, ok := c.waiters[id]
		if !ok {
			w = &waiter{ch: make(chan struct{})}
			c.waiters[id] = w
		}
		w.refs++
		c.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-w.ch:
			timer.Stop()
			// Loop to re-check under lock: the block may already be gone again.
			c.mu.Lock()
			c.releaseWaiter(id, w)
			c.mu.Unlock()
		case <-timer.C:
			c.mu.Lock()
			_, ok := c.index[id]
			c.releaseWaiter(id, w)
			c.mu.Unlock()
			return ok
		}
	}
}

// releaseWaiter drops one reference on w and forgets it once nobody waits on
// it anymore. Must be called with c.mu held.
func (c *Cache) releaseWaiter(id BlockID, w *waiter) {
	w.refs--
	if w.refs > 0 {
		return
	}
	if cur, ok := c.waiters[id]; ok && cur == w {
		delete(c.waiters, id)
	}
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	used := len(c.index)
	c.mu.Unlock()

	return Stats{
		Slots:       len(c.slots),
		UsedSlots:   used,
		BlockSize:   BlockSize,
		Hits:        c.hits.Load(),
		PartialHits: c.partialHits.Load(),
		Misses:      c.misses.Load(),
		Puts:        c.puts.Load(),
		Evictions:   c.evictions.Load(),
		Invalidated: c.invalidated.Load(),
		StalePuts:   c.stalePuts.Load(),
	}
}
