package vfs

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/javi11/nfsvfs/internal/blockcache"
	"github.com/javi11/nfsvfs/internal/errors"
)

const (
	// prefetchAhead is the number of blocks signalled per read, starting with
	// the block holding the read offset.
	prefetchAhead = 3

	// maxStalls bounds successful waits that still yield no bytes.
	maxStalls = 3
)

// OrchestratorStats counts read outcomes.
type OrchestratorStats struct {
	Reads          uint64        `json:"reads"`
	CacheBytes     uint64        `json:"cache_bytes"`
	WaitHits       uint64        `json:"wait_hits"`
	WaitTimeouts   uint64        `json:"wait_timeouts"`
	Fallbacks      uint64        `json:"fallbacks"`
	FallbackBytes  uint64        `json:"fallback_bytes"`
	BackfilledBlks uint64        `json:"backfilled_blocks"`
	PartialReturns uint64        `json:"partial_returns"`
	Timeout        time.Duration `json:"timeout_ns"`
}

type prefetcherBox struct {
	p Prefetcher
}

// Orchestrator serves reads from the block cache, waiting briefly for
// prefetched blocks before falling back to a direct read.
type Orchestrator struct {
	cache      *blockcache.Cache
	timeout    *AdaptiveTimeout
	prefetcher atomic.Pointer[prefetcherBox]

	reads          atomic.Uint64
	cacheBytes     atomic.Uint64
	waitHits       atomic.Uint64
	waitTimeouts   atomic.Uint64
	fallbacks      atomic.Uint64
	fallbackBytes  atomic.Uint64
	backfilled     atomic.Uint64
	partialReturns atomic.Uint64

	log *slog.Logger
}

// NewOrchestrator creates an orchestrator over cache.
func NewOrchestrator(cache *blockcache.Cache, timeout *AdaptiveTimeout) *Orchestrator {
	o := &Orchestrator{
		cache:   cache,
		timeout: timeout,
		log:     slog.Default().With("component", "read-orchestrator"),
	}
	o.SetPrefetcher(nil)
	return o
}

// SetPrefetcher installs the prefetch consumer. nil restores the no-op.
func (o *Orchestrator) SetPrefetcher(p Prefetcher) {
	if p == nil {
		p = NopPrefetcher{}
	}
	o.prefetcher.Store(&prefetcherBox{p: p})
}

// Timeout returns the adaptive wait budget.
func (o *Orchestrator) Timeout() *AdaptiveTimeout {
	return o.timeout
}

// Stats returns read statistics.
func (o *Orchestrator) Stats() OrchestratorStats {
	return OrchestratorStats{
		Reads:          o.reads.Load(),
		CacheBytes:     o.cacheBytes.Load(),
		WaitHits:       o.waitHits.Load(),
		WaitTimeouts:   o.waitTimeouts.Load(),
		Fallbacks:      o.fallbacks.Load(),
		FallbackBytes:  o.fallbackBytes.Load(),
		BackfilledBlks: o.backfilled.Load(),
		PartialReturns: o.partialReturns.Load(),
		Timeout:        o.timeout.Current(),
	}
}

func (o *Orchestrator) signal(f *File, index int64) {
	o.prefetcher.Load().p.Prefetch(Request{
		Block:    blockcache.BlockID{File: f.fileID, Index: index},
		Location: f.loc,
	})
}

// ReadAt serves one read of f. It returns at least one byte or an error;
// reads at or past the end of the file return io.EOF. A short count with a
// nil error means later bytes were not yet available from the cache.
func (o *Orchestrator) ReadAt(ctx context.Context, f *File, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}

	size := f.Size()
	if off >= size {
		return 0, io.EOF
	}
	if rem := size - off; int64(len(p)) > rem {
		p = p[:rem]
	}
	if len(p) == 0 {
		return 0, nil
	}

	o.reads.Add(1)

	first := blockcache.BlockIndex(off)
	last := blockcache.BlockIndex(size - 1)
	for i := int64(0); i < prefetchAhead && first+i <= last; i++ {
		o.signal(f, first+i)
	}

	copied := 0
	stalls := 0
	for copied < len(p) {
		n, _ := o.cache.Read(f.fileID, off+int64(copied), p[copied:])
		if n > 0 {
			copied += n
			stalls = 0
			continue
		}

		missing := blockcache.BlockID{File: f.fileID, Index: blockcache.BlockIndex(off + int64(copied))}
		budget := o.timeout.Current()
		start := time.Now()

		if o.cache.WaitForBlock(missing, budget) {
			o.waitHits.Add(1)
			o.timeout.ObserveArrival(time.Since(start), budget)

			stalls++
			if stalls >= maxStalls {
				break
			}
			continue
		}

		o.waitTimeouts.Add(1)
		o.timeout.ObserveTimeout()

		if copied > 0 {
			o.cacheBytes.Add(uint64(copied))
			o.partialReturns.Add(1)
			return copied, nil
		}
		break
	}

	o.cacheBytes.Add(uint64(copied))
	if copied == len(p) {
		return copied, nil
	}

	n, err := o.fallback(ctx, f, p[copied:], off+int64(copied))
	copied += n
	if err != nil {
		return copied, err
	}
	if copied == 0 {
		return 0, io.EOF
	}
	return copied, nil
}

// fallback reads p directly from the upstream and back-fills every block the
// result covers entirely. The fetch is not abandoned when ctx is cancelled.
// Nothing is back-filled if a write to the file invalidated blocks while the
// read was in flight.
func (o *Orchestrator) fallback(ctx context.Context, f *File, p []byte, off int64) (int, error) {
	o.fallbacks.Add(1)

	gen := o.cache.Generation(f.fileID)
	n, err := f.pread(context.WithoutCancel(ctx), p, off)
	if n > 0 {
		o.fallbackBytes.Add(uint64(n))
		o.backfill(f, gen, p[:n], off)
	}
	if err != nil {
		o.log.WarnContext(ctx, "Direct read failed",
			"resource", f.loc.Resource(),
			"offset", off,
			"length", len(p),
			"error", err)
		return n, errors.NewUpstreamError("pread", f.loc.Resource(), err)
	}

	return n, nil
}

// backfill stores every block of data that starts on a block boundary and is
// either complete or ends at end of file. Other blocks touched by data are
// signalled to the prefetcher instead.
func (o *Orchestrator) backfill(f *File, gen uint64, data []byte, off int64) {
	end := off + int64(len(data))
	size := f.Size()

	put := 0
	for b := blockcache.BlockIndex(off); b <= blockcache.BlockIndex(end-1); b++ {
		start := b * blockcache.BlockSize
		stop := start + blockcache.BlockSize

		covered := start >= off && (stop <= end || (end >= size && start < end))
		if !covered {
			o.signal(f, b)
			continue
		}

		lo := start - off
		hi := min(stop, end) - off
		if !o.cache.PutIfGeneration(blockcache.BlockID{File: f.fileID, Index: b}, gen, data[lo:hi]) {
			break
		}
		put++
	}

	if put > 0 {
		o.backfilled.Add(uint64(put))
		o.log.Debug("Back-filled blocks", "resource", f.loc.Resource(), "offset", off, "blocks", put)
	}
}
