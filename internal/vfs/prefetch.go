package vfs

import (
	"github.com/javi11/nfsvfs/internal/blockcache"
)

// Request asks for one block to be fetched into the cache.
type Request struct {
	Block    blockcache.BlockID
	Location Location
}

// Offset returns the file offset of the requested block.
func (r Request) Offset() int64 {
	return r.Block.Index * blockcache.BlockSize
}

// Prefetcher receives fire-and-forget block requests. Implementations must
// not block the caller.
type Prefetcher interface {
	Prefetch(req Request)
}

// PrefetchFunc adapts a function to Prefetcher.
type PrefetchFunc func(req Request)

func (f PrefetchFunc) Prefetch(req Request) { f(req) }

// NopPrefetcher drops every request.
type NopPrefetcher struct{}

func (NopPrefetcher) Prefetch(Request) {}
