// Package vfsbridge is the surface a host runtime binds to: a flat set of
// cache primitives plus file open/stat, all owned by one Engine.
package vfsbridge

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/javi11/nfsvfs/internal/blockcache"
	"github.com/javi11/nfsvfs/internal/errors"
	"github.com/javi11/nfsvfs/internal/pool"
	"github.com/javi11/nfsvfs/internal/prefetch"
	"github.com/javi11/nfsvfs/internal/upstream"
	"github.com/javi11/nfsvfs/internal/vfs"
)

// Options configures an Engine.
type Options struct {
	Pool pool.Options
	VFS  vfs.Options
}

// Engine owns the pool, cache, file system and optional prefetch worker.
type Engine struct {
	opts Options
	pool *pool.Pool

	mu         sync.Mutex
	cache      *blockcache.Cache
	fs         *vfs.FileSystem
	consumer   vfs.Prefetcher
	worker     *prefetch.Worker
	hintBuffer []hint
	closed     bool

	log *slog.Logger
}

type hint struct {
	url, server, export, relative string
}

// NewEngine creates an engine mounting exports through dialer. The cache is
// created by the first CacheInit call, or lazily with the default capacity.
func NewEngine(dialer upstream.Dialer, opts Options) *Engine {
	return &Engine{
		opts: opts,
		pool: pool.New(dialer, opts.Pool),
		log:  slog.Default().With("component", "vfs-bridge"),
	}
}

// CacheInit creates the block cache with capacityMB megabytes. Only the first
// call has an effect; a non-positive size selects the default capacity.
func (e *Engine) CacheInit(capacityMB int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initLocked(int64(capacityMB) * 1024 * 1024)
}

func (e *Engine) initLocked(capacityBytes int64) error {
	if e.closed {
		return errors.ErrPoolClosed
	}
	if e.cache != nil {
		return nil
	}

	cache := blockcache.New(capacityBytes)
	fsys, err := vfs.New(e.pool, cache, e.opts.VFS)
	if err != nil {
		return err
	}
	fsys.SetPrefetcher(e.consumer)

	for _, h := range e.hintBuffer {
		fsys.AddPathHint(h.url, h.server, h.export, h.relative)
	}
	e.hintBuffer = nil

	e.cache = cache
	e.fs = fsys
	return nil
}

func (e *Engine) fileSystem() (*vfs.FileSystem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.initLocked(0); err != nil {
		return nil, err
	}
	return e.fs, nil
}

func (e *Engine) blockCache() *blockcache.Cache {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache
}

// CacheRead copies cached bytes of file at offset into out. It returns the
// number of bytes copied, or -1 when the first block is not cached.
func (e *Engine) CacheRead(file blockcache.FileID, offset int64, out []byte) int {
	c := e.blockCache()
	if c == nil {
		return -1
	}

	n, res := c.Read(file, offset, out)
	if res == blockcache.Miss {
		return -1
	}
	return n
}

// CachePut stores one block. Calls before CacheInit are ignored.
func (e *Engine) CachePut(id blockcache.BlockID, data []byte) {
	if c := e.blockCache(); c != nil {
		c.Put(id, data)
	}
}

// CacheHasBlock reports whether id is cached.
func (e *Engine) CacheHasBlock(id blockcache.BlockID) bool {
	c := e.blockCache()
	return c != nil && c.HasBlock(id)
}

// CacheGetBlockSize returns the block size in bytes.
func (e *Engine) CacheGetBlockSize() int {
	return blockcache.BlockSize
}

// SetPrefetchConsumer registers the receiver of prefetch requests. nil
// restores the no-op consumer.
func (e *Engine) SetPrefetchConsumer(p vfs.Prefetcher) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consumer = p
	if e.fs != nil {
		e.fs.SetPrefetcher(p)
	}
}

// StartPrefetch runs a built-in prefetch worker as the consumer.
func (e *Engine) StartPrefetch(ctx context.Context, cfg prefetch.Config) (*prefetch.Worker, error) {
	fsys, err := e.fileSystem()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.worker != nil {
		return e.worker, nil
	}

	w := prefetch.New(fsys, e.cache, cfg)
	w.Start(ctx)
	e.worker = w
	e.consumer = w
	fsys.SetPrefetcher(w)
	return w, nil
}

// PrefetchWorker returns the worker started by StartPrefetch, or nil.
func (e *Engine) PrefetchWorker() *prefetch.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.worker
}

// AddPathHint records how url splits into server, export and relative path.
func (e *Engine) AddPathHint(url, server, export, relative string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fs == nil {
		e.hintBuffer = append(e.hintBuffer, hint{url, server, export, relative})
		return
	}
	e.fs.AddPathHint(url, server, export, relative)
}

// Open opens url with os.O_* flags.
func (e *Engine) Open(ctx context.Context, url string, flag int) (*vfs.File, error) {
	fsys, err := e.fileSystem()
	if err != nil {
		return nil, err
	}
	return fsys.Open(ctx, url, flag)
}

// Stat returns metadata for url.
func (e *Engine) Stat(ctx context.Context, url string) (upstream.Stat, error) {
	fsys, err := e.fileSystem()
	if err != nil {
		return upstream.Stat{}, err
	}
	return fsys.Stat(ctx, url)
}

// FileSystem returns the file system, initializing the cache if needed.
func (e *Engine) FileSystem() (*vfs.FileSystem, error) {
	return e.fileSystem()
}

// Pool returns the connection pool.
func (e *Engine) Pool() *pool.Pool {
	return e.pool
}

// Close stops prefetching, closes open files and unmounts every session.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	fsys, w := e.fs, e.worker
	e.mu.Unlock()

	if w != nil {
		w.Stop()
	}

	var errs []error
	if fsys != nil {
		fsys.SetPrefetcher(nil)
		if err := fsys.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	e.log.InfoContext(ctx, "Engine closed")
	return stderrors.Join(errs...)
}
