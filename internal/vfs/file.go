package vfs

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/javi11/nfsvfs/internal/blockcache"
	"github.com/javi11/nfsvfs/internal/errors"
	"github.com/javi11/nfsvfs/internal/pool"
	"github.com/javi11/nfsvfs/internal/upstream"
)

var (
	errNegativeOffset = stderrors.New("negative offset")
	errInvalidWhence  = stderrors.New("invalid whence")
	errFileClosed     = stderrors.New("file already closed")
)

// FileInfo describes an open file for diagnostics.
type FileInfo struct {
	ID       string    `json:"id"`
	Resource string    `json:"resource"`
	Size     int64     `json:"size"`
	Offset   int64     `json:"offset"`
	Writable bool      `json:"writable"`
	OpenedAt time.Time `json:"opened_at"`
}

// File is an open remote file. Positional methods are safe for concurrent
// use; Read, Write and Seek share one cursor.
type File struct {
	id       string
	fs       *FileSystem
	loc      Location
	fileID   blockcache.FileID
	session  *pool.Handle
	remote   upstream.Handle
	writable bool
	openedAt time.Time

	mu     sync.Mutex
	offset int64

	// lifecycle is held shared by borrowers of the remote handle and
	// exclusively by Close.
	lifecycle sync.RWMutex

	size   atomic.Int64
	closed atomic.Bool
}

var (
	_ io.ReadWriteSeeker = (*File)(nil)
	_ io.ReaderAt        = (*File)(nil)
	_ io.WriterAt        = (*File)(nil)
	_ io.Closer          = (*File)(nil)
)

// ID returns the handle identifier.
func (f *File) ID() string { return f.id }

// Name returns the URL-independent resource identifier.
func (f *File) Name() string { return f.loc.Resource() }

// Location returns where the file lives.
func (f *File) Location() Location { return f.loc }

// Size returns the file size observed at open, grown by writes.
func (f *File) Size() int64 { return f.size.Load() }

// Tell returns the cursor position.
func (f *File) Tell() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// Info returns a diagnostics snapshot.
func (f *File) Info() FileInfo {
	return FileInfo{
		ID:       f.id,
		Resource: f.loc.Resource(),
		Size:     f.Size(),
		Offset:   f.Tell(),
		Writable: f.writable,
		OpenedAt: f.openedAt,
	}
}

// Seek moves the cursor. The result is clamped to [0, Size()].
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		base = f.Size()
	default:
		return f.offset, errInvalidWhence
	}

	f.offset = min(max(base+offset, 0), f.Size())
	return f.offset, nil
}

// Read reads at the cursor through the cache and advances it. It may return
// fewer bytes than requested without an error.
func (f *File) Read(p []byte) (int, error) {
	return f.ReadContext(context.Background(), p)
}

// ReadContext is Read with a context for the cache wait and upstream call.
func (f *File) ReadContext(ctx context.Context, p []byte) (int, error) {
	if f.closed.Load() {
		return 0, errFileClosed
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.fs.orch.ReadAt(ctx, f, p, f.offset)
	f.offset += int64(n)
	return n, err
}

// ReadAt fills p from off, repeating reads until p is full or an error
// occurs.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.ReadAtContext(context.Background(), p, off)
}

// ReadAtContext is ReadAt with a context.
func (f *File) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if f.closed.Load() {
		return 0, errFileClosed
	}

	read := 0
	for read < len(p) {
		n, err := f.fs.orch.ReadAt(ctx, f, p[read:], off+int64(read))
		read += n
		if err != nil {
			return read, err
		}
		if n == 0 {
			return read, io.EOF
		}
	}
	return read, nil
}

// Write writes at the cursor and advances it.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.WriteAtContext(context.Background(), p, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteAt writes p at off.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.WriteAtContext(context.Background(), p, off)
}

// WriteAtContext writes p at off through the session, then invalidates every
// cached block the write touched and the cached stat for the file.
func (f *File) WriteAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if f.closed.Load() {
		return 0, errFileClosed
	}
	if !f.writable {
		return 0, errors.ErrReadOnly
	}
	if off < 0 {
		return 0, errNegativeOffset
	}

	var n int
	err := f.session.Do(func(upstream.Client) error {
		var err error
		n, err = f.remote.Pwrite(ctx, p, off)
		return err
	})
	f.session.Session().RecordTransfer(0, int64(n))

	if n > 0 {
		f.fs.cache.InvalidateRange(f.fileID, off, int64(n))
		f.fs.pool.StatCache().Invalidate(f.loc.Resource())
		f.growTo(off + int64(n))
	}

	if err != nil {
		return n, errors.NewUpstreamError("pwrite", f.loc.Resource(), err)
	}
	return n, nil
}

func (f *File) growTo(end int64) {
	for {
		cur := f.size.Load()
		if end <= cur || f.size.CompareAndSwap(cur, end) {
			return
		}
	}
}

// pread issues one positional read through the shared session.
func (f *File) pread(ctx context.Context, p []byte, off int64) (int, error) {
	var n int
	err := f.session.Do(func(upstream.Client) error {
		var err error
		n, err = f.remote.Pread(ctx, p, off)
		return err
	})
	f.session.Session().RecordTransfer(int64(n), 0)
	return n, err
}

// pin keeps the remote handle open until unpin is called. It fails once
// Close has started.
func (f *File) pin() bool {
	f.lifecycle.RLock()
	if f.closed.Load() {
		f.lifecycle.RUnlock()
		return false
	}
	return true
}

func (f *File) unpin() {
	f.lifecycle.RUnlock()
}

// Stat returns live metadata for the open file.
func (f *File) Stat(ctx context.Context) (upstream.Stat, error) {
	var st upstream.Stat
	err := f.session.Do(func(upstream.Client) error {
		var err error
		st, err = f.remote.Fstat(ctx)
		return err
	})
	if err != nil {
		return upstream.Stat{}, errors.NewUpstreamError("fstat", f.loc.Resource(), err)
	}
	return st, nil
}

// Close closes the remote handle and releases the session. Cached blocks
// stay resident for other handles on the same file.
func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx := context.Background()
	f.lifecycle.Lock()
	err := f.session.Do(func(upstream.Client) error {
		return f.remote.Close(ctx)
	})
	f.lifecycle.Unlock()
	f.session.Release()
	f.fs.forget(f)

	if err != nil && !stderrors.Is(err, errors.ErrPoolClosed) {
		return errors.NewUpstreamError("close", f.loc.Resource(), err)
	}
	return nil
}
