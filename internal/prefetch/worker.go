// Package prefetch fetches blocks ahead of the reader. It consumes the
// fire-and-forget requests emitted by the read orchestrator and stores the
// fetched blocks in the block cache, which wakes any waiting reader.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/javi11/nfsvfs/internal/blockcache"
	nfserrors "github.com/javi11/nfsvfs/internal/errors"
	"github.com/javi11/nfsvfs/internal/slogutil"
	"github.com/javi11/nfsvfs/internal/vfs"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"
)

const (
	defaultWorkers    = 4
	defaultQueueSize  = 64
	defaultMaxRetries = 3
	defaultRetryDelay = 20 * time.Millisecond
)

// Fetcher reads one block from the upstream.
type Fetcher interface {
	FetchBlock(ctx context.Context, req vfs.Request) ([]byte, error)
}

// Config configures a Worker. Zero values select defaults.
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries uint
	RetryDelay time.Duration
}

// Stats counts prefetch outcomes.
type Stats struct {
	Queued   uint64 `json:"queued"`
	Dropped  uint64 `json:"dropped"`
	Skipped  uint64 `json:"skipped"`
	Shared   uint64 `json:"shared"`
	Fetched  uint64 `json:"fetched"`
	Failed   uint64 `json:"failed"`
	Retried  uint64 `json:"retried"`
	Stale    uint64 `json:"stale"`
	InFlight int    `json:"in_flight"`
}

// Worker is a vfs.Prefetcher backed by a bounded queue and a goroutine pool.
// Requests are dropped when the queue is full.
type Worker struct {
	fetcher Fetcher
	cache   *blockcache.Cache
	cfg     Config

	queue  chan vfs.Request
	group  singleflight.Group
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool

	queued   atomic.Uint64
	dropped  atomic.Uint64
	skipped  atomic.Uint64
	shared   atomic.Uint64
	fetched  atomic.Uint64
	failed   atomic.Uint64
	retried  atomic.Uint64
	stale    atomic.Uint64
	inFlight atomic.Int64

	log *slog.Logger
}

var _ vfs.Prefetcher = (*Worker)(nil)

// New creates a worker. Call Start before requests are served.
func New(fetcher Fetcher, cache *blockcache.Cache, cfg Config) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	return &Worker{
		fetcher: fetcher,
		cache:   cache,
		cfg:     cfg,
		queue:   make(chan vfs.Request, cfg.QueueSize),
		done:    make(chan struct{}),
		log:     slog.Default().With("component", "prefetch"),
	}
}

// Start launches the dispatcher. It stops when ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)

	w.log.InfoContext(ctx, "Prefetch worker started",
		"workers", w.cfg.Workers,
		"queue_size", w.cfg.QueueSize)
}

// Prefetch implements vfs.Prefetcher. It never blocks.
func (w *Worker) Prefetch(req vfs.Request) {
	if w.closed.Load() {
		w.dropped.Add(1)
		return
	}

	select {
	case w.queue <- req:
		w.queued.Add(1)
	default:
		w.dropped.Add(1)
	}
}

// Stop cancels outstanding work and waits for in-flight fetches to finish.
func (w *Worker) Stop() {
	w.once.Do(func() {
		w.closed.Store(true)
		if w.cancel == nil {
			close(w.done)
			return
		}
		w.cancel()
		<-w.done
		w.log.Info("Prefetch worker stopped")
	})
}

// Stats returns prefetch statistics.
func (w *Worker) Stats() Stats {
	return Stats{
		Queued:   w.queued.Load(),
		Dropped:  w.dropped.Load(),
		Skipped:  w.skipped.Load(),
		Shared:   w.shared.Load(),
		Fetched:  w.fetched.Load(),
		Failed:   w.failed.Load(),
		Retried:  w.retried.Load(),
		Stale:    w.stale.Load(),
		InFlight: int(w.inFlight.Load()),
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	p := pool.New().
		WithMaxGoroutines(w.cfg.Workers).
		WithContext(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = p.Wait()
			return
		case req := <-w.queue:
			p.Go(func(c context.Context) error {
				w.handle(c, req)
				return nil
			})
		}
	}
}

func (w *Worker) handle(ctx context.Context, req vfs.Request) {
	if w.cache.HasBlock(req.Block) {
		w.skipped.Add(1)
		return
	}

	ctx = slogutil.With(ctx, "resource", req.Location.Resource(), "block", req.Block.Index)
	key := fmt.Sprintf("%016x:%d", uint64(req.Block.File), req.Block.Index)

	_, err, shared := w.group.Do(key, func() (any, error) {
		if w.cache.HasBlock(req.Block) {
			w.skipped.Add(1)
			return nil, nil
		}

		w.inFlight.Add(1)
		defer w.inFlight.Add(-1)

		gen := w.cache.Generation(req.Block.File)
		data, err := w.fetchWithRetry(ctx, req)
		if err != nil {
			return nil, err
		}

		// A write during the fetch may have replaced these bytes.
		if !w.cache.PutIfGeneration(req.Block, gen, data) {
			w.stale.Add(1)
			return nil, nil
		}
		w.fetched.Add(1)
		return nil, nil
	})
	if shared {
		w.shared.Add(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		w.failed.Add(1)
		w.log.DebugContext(ctx, "Prefetch failed", "error", err)
	}
}

func (w *Worker) fetchWithRetry(ctx context.Context, req vfs.Request) ([]byte, error) {
	var data []byte

	err := retry.Do(
		func() error {
			var err error
			data, err = w.fetcher.FetchBlock(ctx, req)
			return err
		},
		retry.Attempts(w.cfg.MaxRetries+1),
		retry.Delay(w.cfg.RetryDelay),
		retry.MaxDelay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			w.retried.Add(1)
			w.log.DebugContext(ctx, "Retrying prefetch",
				"attempt", n+1,
				"error", err)
		}),
		retry.Context(ctx),
	)

	return data, err
}

func isRetryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nfserrors.ErrPoolClosed),
		errors.Is(err, nfserrors.ErrInvalidURL),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission):
		return false
	default:
		return true
	}
}
