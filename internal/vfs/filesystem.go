// Package vfs is the file-level surface of the streaming read path: URL
// resolution, open handles with seek/read/write, cached stat, and the read
// orchestrator that sits between handles and the block cache.
package vfs

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/javi11/nfsvfs/internal/blockcache"
	"github.com/javi11/nfsvfs/internal/errors"
	"github.com/javi11/nfsvfs/internal/pool"
	"github.com/javi11/nfsvfs/internal/slogutil"
	"github.com/javi11/nfsvfs/internal/upstream"
)

// Scheme is the URL scheme accepted by ParseURL.
const Scheme = "nfs"

// DefaultPathHintSize bounds the path hint table.
const DefaultPathHintSize = 4096

// Location is a file resolved to its session key and export-relative path.
type Location struct {
	Server string `json:"server"`
	Export string `json:"export"`
	Path   string `json:"path"`
}

// Resource returns "server:export/path", the identity shared by every handle
// on the file.
func (l Location) Resource() string {
	return pool.Key(l.Server, path.Join(l.Export, l.Path))
}

// ParseURL splits nfs://server/export/dir/file into a Location whose export
// is the directory part and whose path is the final element.
func ParseURL(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", errors.ErrInvalidURL, err)
	}
	if u.Scheme != Scheme || u.Host == "" {
		return Location{}, fmt.Errorf("%w: %q", errors.ErrInvalidURL, raw)
	}

	clean := path.Clean("/" + u.Path)
	base := path.Base(clean)
	if base == "/" || base == "." {
		return Location{}, fmt.Errorf("%w: %q has no file name", errors.ErrInvalidURL, raw)
	}

	return Location{
		Server: u.Host,
		Export: path.Dir(clean),
		Path:   "/" + base,
	}, nil
}

// Options configures a FileSystem.
type Options struct {
	PathHintSize int
	Timeout      TimeoutOptions
}

// FileSystem opens remote files through a connection pool and serves their
// reads through a shared block cache.
type FileSystem struct {
	pool  *pool.Pool
	cache *blockcache.Cache
	orch  *Orchestrator
	hints *lru.Cache[string, Location]

	mu   sync.Mutex
	open map[string]*File

	log *slog.Logger
}

// New creates a file system over p and cache.
func New(p *pool.Pool, cache *blockcache.Cache, opts Options) (*FileSystem, error) {
	if opts.PathHintSize <= 0 {
		opts.PathHintSize = DefaultPathHintSize
	}

	hints, err := lru.New[string, Location](opts.PathHintSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create path hint cache: %w", err)
	}

	return &FileSystem{
		pool:  p,
		cache: cache,
		orch:  NewOrchestrator(cache, NewAdaptiveTimeout(opts.Timeout)),
		hints: hints,
		open:  make(map[string]*File),
		log:   slog.Default().With("component", "vfs"),
	}, nil
}

// Orchestrator returns the read orchestrator.
func (fsys *FileSystem) Orchestrator() *Orchestrator { return fsys.orch }

// Cache returns the block cache.
func (fsys *FileSystem) Cache() *blockcache.Cache { return fsys.cache }

// Pool returns the connection pool.
func (fsys *FileSystem) Pool() *pool.Pool { return fsys.pool }

// SetPrefetcher installs the prefetch consumer. nil restores the no-op.
func (fsys *FileSystem) SetPrefetcher(p Prefetcher) {
	fsys.orch.SetPrefetcher(p)
}

// AddPathHint records how rawURL splits into server, export and path so
// later opens skip URL parsing.
func (fsys *FileSystem) AddPathHint(rawURL, server, export, relative string) {
	if !strings.HasPrefix(relative, "/") {
		relative = "/" + relative
	}
	fsys.hints.Add(rawURL, Location{Server: server, Export: export, Path: relative})
}

// Resolve maps rawURL to a Location, preferring a recorded hint.
func (fsys *FileSystem) Resolve(rawURL string) (Location, error) {
	if loc, ok := fsys.hints.Get(rawURL); ok {
		return loc, nil
	}
	return ParseURL(rawURL)
}

// Open opens rawURL. Any write flag opens the remote file read-write and
// creates it when missing; otherwise it is opened read-only.
func (fsys *FileSystem) Open(ctx context.Context, rawURL string, flag int) (*File, error) {
	loc, err := fsys.Resolve(rawURL)
	if err != nil {
		return nil, err
	}

	writable := upstream.WantsWrite(flag)
	remoteFlag := os.O_RDONLY
	if writable {
		remoteFlag = os.O_RDWR | os.O_CREATE
	}

	id := uuid.NewString()
	ctx = slogutil.With(ctx, "file_id", id, "resource", loc.Resource())

	h, err := fsys.pool.Acquire(ctx, loc.Server, loc.Export)
	if err != nil {
		return nil, err
	}

	var remote upstream.Handle
	err = h.Do(func(c upstream.Client) error {
		var err error
		remote, err = c.Open(ctx, loc.Path, remoteFlag)
		return err
	})
	if err != nil {
		h.Release()
		return nil, errors.NewUpstreamError("open", loc.Resource(), err)
	}

	f := &File{
		id:       id,
		fs:       fsys,
		loc:      loc,
		fileID:   blockcache.NewFileID(loc.Resource()),
		session:  h,
		remote:   remote,
		writable: writable,
		openedAt: time.Now(),
	}

	var st upstream.Stat
	err = h.Do(func(upstream.Client) error {
		var err error
		st, err = remote.Fstat(ctx)
		return err
	})
	if err != nil {
		fsys.log.WarnContext(ctx, "Failed to stat opened file, assuming empty", "error", err)
	} else {
		f.size.Store(st.Size)
	}

	fsys.mu.Lock()
	fsys.open[id] = f
	fsys.mu.Unlock()

	fsys.log.DebugContext(ctx, "Opened file", "size", f.Size(), "writable", writable)

	return f, nil
}

func (fsys *FileSystem) forget(f *File) {
	fsys.mu.Lock()
	delete(fsys.open, f.id)
	fsys.mu.Unlock()
}

// OpenFiles lists open handles ordered by open time.
func (fsys *FileSystem) OpenFiles() []FileInfo {
	fsys.mu.Lock()
	files := slices.Collect(maps.Values(fsys.open))
	fsys.mu.Unlock()

	out := make([]FileInfo, 0, len(files))
	for _, f := range files {
		out = append(out, f.Info())
	}
	slices.SortFunc(out, func(a, b FileInfo) int {
		return a.OpenedAt.Compare(b.OpenedAt)
	})
	return out
}

// Stat returns metadata for rawURL, served from the stat cache when fresh.
func (fsys *FileSystem) Stat(ctx context.Context, rawURL string) (upstream.Stat, error) {
	loc, err := fsys.Resolve(rawURL)
	if err != nil {
		return upstream.Stat{}, err
	}

	resource := loc.Resource()
	if st, ok := fsys.pool.StatCache().Get(resource); ok {
		return st, nil
	}

	h, err := fsys.pool.Acquire(ctx, loc.Server, loc.Export)
	if err != nil {
		return upstream.Stat{}, err
	}
	defer h.Release()

	var st upstream.Stat
	err = h.Do(func(c upstream.Client) error {
		var err error
		st, err = c.Stat(ctx, loc.Path)
		return err
	})
	if err != nil {
		return upstream.Stat{}, errors.NewUpstreamError("stat", resource, err)
	}

	fsys.pool.StatCache().Put(resource, st)
	return st, nil
}

// pinOpen returns a pinned open handle on the block's file, or nil when the
// file is not open.
func (fsys *FileSystem) pinOpen(req Request) *File {
	resource := req.Location.Resource()

	fsys.mu.Lock()
	var candidates []*File
	for _, f := range fsys.open {
		if f.fileID == req.Block.File && f.loc.Resource() == resource {
			candidates = append(candidates, f)
		}
	}
	fsys.mu.Unlock()

	for _, f := range candidates {
		if f.pin() {
			return f
		}
	}
	return nil
}

// FetchBlock reads one block of loc straight from the upstream. Short data
// means the block holds the end of the file. An open handle on the file is
// reused when there is one; otherwise the file is opened for this read only.
func (fsys *FileSystem) FetchBlock(ctx context.Context, req Request) ([]byte, error) {
	loc := req.Location
	buf := make([]byte, blockcache.BlockSize)

	if f := fsys.pinOpen(req); f != nil {
		defer f.unpin()

		n, err := f.pread(ctx, buf, req.Offset())
		if err != nil {
			return nil, errors.NewUpstreamError("pread", loc.Resource(), err)
		}
		return buf[:n], nil
	}

	h, err := fsys.pool.Acquire(ctx, loc.Server, loc.Export)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var remote upstream.Handle
	err = h.Do(func(c upstream.Client) error {
		var err error
		remote, err = c.Open(ctx, loc.Path, os.O_RDONLY)
		return err
	})
	if err != nil {
		return nil, errors.NewUpstreamError("open", loc.Resource(), err)
	}
	defer func() {
		_ = h.Do(func(upstream.Client) error { return remote.Close(ctx) })
	}()

	var n int
	err = h.Do(func(upstream.Client) error {
		var err error
		n, err = remote.Pread(ctx, buf, req.Offset())
		return err
	})
	h.Session().RecordTransfer(int64(n), 0)
	if err != nil {
		return nil, errors.NewUpstreamError("pread", loc.Resource(), err)
	}

	return buf[:n], nil
}

// Close closes every open handle. The pool and cache are left to their owner.
func (fsys *FileSystem) Close() error {
	fsys.mu.Lock()
	files := slices.Collect(maps.Values(fsys.open))
	fsys.mu.Unlock()

	var errs []error
	for _, f := range files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
