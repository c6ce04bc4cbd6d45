package prefetch

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/javi11/nfsvfs/internal/blockcache"
	"github.com/javi11/nfsvfs/internal/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls    atomic.Int32
	failures int32
	err      error
	gate     chan struct{}
}

func (f *fakeFetcher) FetchBlock(ctx context.Context, req vfs.Request) ([]byte, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= f.failures {
		return nil, f.err
	}
	return bytes.Repeat([]byte{byte(req.Block.Index)}, blockcache.BlockSize), nil
}

func request(index int64) vfs.Request {
	return vfs.Request{
		Block:    blockcache.BlockID{File: 7, Index: index},
		Location: vfs.Location{Server: "h1", Export: "/export", Path: "/game.bin"},
	}
}

func startWorker(t *testing.T, f Fetcher, cache *blockcache.Cache, cfg Config) *Worker {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	w := New(f, cache, cfg)
	w.Start(context.Background())
	t.Cleanup(w.Stop)
	return w
}

func TestWorker_FetchesIntoCache(t *testing.T) {
	cache := blockcache.New(8 * blockcache.BlockSize)
	f := &fakeFetcher{}
	w := startWorker(t, f, cache, Config{})

	for i := int64(0); i < 3; i++ {
		w.Prefetch(request(i))
	}

	for i := int64(0); i < 3; i++ {
		require.True(t, cache.WaitForBlock(request(i).Block, 2*time.Second), "block %d", i)
	}

	buf := make([]byte, 4)
	n, res := cache.Read(7, 2*blockcache.BlockSize, buf)
	assert.Equal(t, 4, n)
	assert.Equal(t, blockcache.CompleteHit, res)
	assert.Equal(t, []byte{2, 2, 2, 2}, buf)

	assert.Eventually(t, func() bool { return w.Stats().Fetched == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), w.Stats().Queued)
}

func TestWorker_SkipsResidentBlocks(t *testing.T) {
	cache := blockcache.New(4 * blockcache.BlockSize)
	cache.Put(request(0).Block, []byte{1})
	f := &fakeFetcher{}
	w := startWorker(t, f, cache, Config{})

	w.Prefetch(request(0))

	assert.Eventually(t, func() bool { return w.Stats().Skipped == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.calls.Load())
}

func TestWorker_DeduplicatesConcurrentRequests(t *testing.T) {
	cache := blockcache.New(4 * blockcache.BlockSize)
	f := &fakeFetcher{gate: make(chan struct{})}
	w := startWorker(t, f, cache, Config{Workers: 4})

	for i := 0; i < 4; i++ {
		w.Prefetch(request(1))
	}

	assert.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(f.gate)

	require.True(t, cache.WaitForBlock(request(1).Block, 2*time.Second))
	assert.Eventually(t, func() bool {
		s := w.Stats()
		return s.Fetched == 1 && s.Queued == 4 && s.InFlight == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestWorker_RetriesTransientErrors(t *testing.T) {
	cache := blockcache.New(4 * blockcache.BlockSize)
	f := &fakeFetcher{failures: 2, err: errors.New("connection reset")}
	w := startWorker(t, f, cache, Config{MaxRetries: 3})

	w.Prefetch(request(0))

	require.True(t, cache.WaitForBlock(request(0).Block, 2*time.Second))
	assert.Equal(t, int32(3), f.calls.Load())
	assert.Eventually(t, func() bool { return w.Stats().Retried == 2 }, time.Second, 5*time.Millisecond)
}

func TestWorker_GivesUp(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retries   uint
		wantCalls int32
	}{
		{"missing file is not retried", fs.ErrNotExist, 3, 1},
		{"transient error exhausts retries", errors.New("timeout"), 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := blockcache.New(4 * blockcache.BlockSize)
			f := &fakeFetcher{failures: 100, err: tt.err}
			w := startWorker(t, f, cache, Config{MaxRetries: tt.retries})

			w.Prefetch(request(0))

			assert.Eventually(t, func() bool { return w.Stats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, tt.wantCalls, f.calls.Load())
			assert.False(t, cache.HasBlock(request(0).Block))
		})
	}
}

func TestWorker_DropsWhenQueueFull(t *testing.T) {
	cache := blockcache.New(4 * blockcache.BlockSize)
	w := New(&fakeFetcher{}, cache, Config{QueueSize: 1})

	w.Prefetch(request(0))
	w.Prefetch(request(1))
	w.Prefetch(request(2))

	s := w.Stats()
	assert.Equal(t, uint64(1), s.Queued)
	assert.Equal(t, uint64(2), s.Dropped)

	w.Stop()
}

func TestWorker_StopDropsLaterRequests(t *testing.T) {
	cache := blockcache.New(4 * blockcache.BlockSize)
	f := &fakeFetcher{gate: make(chan struct{})}
	w := New(f, cache, Config{})
	w.Start(context.Background())

	w.Prefetch(request(0))
	assert.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	// Stop cancels the blocked fetch and returns.
	w.Stop()
	w.Stop()

	w.Prefetch(request(1))
	assert.Equal(t, uint64(1), w.Stats().Dropped)
	assert.False(t, cache.HasBlock(request(0).Block))
}

func TestWorker_ConcurrentProducers(t *testing.T) {
	cache := blockcache.New(32 * blockcache.BlockSize)
	f := &fakeFetcher{}
	w := startWorker(t, f, cache, Config{Workers: 8, QueueSize: 256})

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < 16; i++ {
				w.Prefetch(request(i))
			}
		}()
	}
	wg.Wait()

	for i := int64(0); i < 16; i++ {
		require.True(t, cache.WaitForBlock(request(i).Block, 2*time.Second), "block %d", i)
	}
	assert.LessOrEqual(t, f.calls.Load(), int32(64))
	assert.GreaterOrEqual(t, f.calls.Load(), int32(16))
}

func TestWorker_DiscardsBlockInvalidatedDuringFetch(t *testing.T) {
	cache := blockcache.New(4 * blockcache.BlockSize)
	f := &fakeFetcher{gate: make(chan struct{})}
	w := startWorker(t, f, cache, Config{})

	w.Prefetch(request(0))
	assert.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	// A write to the file lands while the old bytes are on their way.
	cache.InvalidateRange(request(0).Block.File, 0, 16)
	close(f.gate)

	assert.Eventually(t, func() bool { return w.Stats().Stale == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, cache.HasBlock(request(0).Block))
	assert.Zero(t, w.Stats().Fetched)

	// A later request fetches the block again.
	w.Prefetch(request(0))
	require.True(t, cache.WaitForBlock(request(0).Block, 2*time.Second))
}
