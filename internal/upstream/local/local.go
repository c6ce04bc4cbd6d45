// Package local implements an upstream backed by an afero filesystem. Every
// server is a top-level directory and every export a directory below it, so
// "nfs://h1/export/game.bin" maps to "<root>/h1/export/game.bin". An optional
// per-RPC latency emulates a network round trip.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync/atomic"
	"time"

	"github.com/javi11/nfsvfs/internal/upstream"
	"github.com/spf13/afero"
)

// Stats counts RPCs served by a Dialer and every client it mounted.
type Stats struct {
	Mounts  int64 `json:"mounts"`
	Opens   int64 `json:"opens"`
	Preads  int64 `json:"preads"`
	Pwrites int64 `json:"pwrites"`
	Stats   int64 `json:"stats"`
}

type counters struct {
	mounts  atomic.Int64
	opens   atomic.Int64
	preads  atomic.Int64
	pwrites atomic.Int64
	stats   atomic.Int64
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithLatency delays every RPC by d.
func WithLatency(d time.Duration) Option {
	return func(dl *Dialer) {
		dl.latency = d
	}
}

// Dialer mounts exports found under an afero root.
type Dialer struct {
	root    afero.Fs
	latency time.Duration
	count   *counters
	log     *slog.Logger
}

var _ upstream.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer serving exports from root.
func NewDialer(root afero.Fs, opts ...Option) *Dialer {
	d := &Dialer{
		root:  root,
		count: &counters{},
		log:   slog.Default().With("component", "upstream-local"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stats returns RPC counters.
func (d *Dialer) Stats() Stats {
	return Stats{
		Mounts:  d.count.mounts.Load(),
		Opens:   d.count.opens.Load(),
		Preads:  d.count.preads.Load(),
		Pwrites: d.count.pwrites.Load(),
		Stats:   d.count.stats.Load(),
	}
}

// Mount implements upstream.Dialer.
func (d *Dialer) Mount(ctx context.Context, server, export string) (upstream.Client, error) {
	if err := sleep(ctx, d.latency); err != nil {
		return nil, err
	}
	d.count.mounts.Add(1)

	base := path.Join("/", server, export)
	info, err := d.root.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("export %s not found on %s: %w", export, server, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("export %s on %s is not a directory", export, server)
	}

	d.log.DebugContext(ctx, "Mounted export", "server", server, "export", export, "root", base)

	return &client{
		fs:      afero.NewBasePathFs(d.root, base),
		latency: d.latency,
		count:   d.count,
	}, nil
}

type client struct {
	fs      afero.Fs
	latency time.Duration
	count   *counters
	closed  atomic.Bool
}

var errUnmounted = errors.New("export is unmounted")

func (c *client) Open(ctx context.Context, name string, flag int) (upstream.Handle, error) {
	if c.closed.Load() {
		return nil, errUnmounted
	}
	if err := sleep(ctx, c.latency); err != nil {
		return nil, err
	}
	c.count.opens.Add(1)

	f, err := c.fs.OpenFile(name, flag, 0o644)
	if err != nil {
		return nil, err
	}

	return &handle{file: f, latency: c.latency, count: c.count}, nil
}

func (c *client) Stat(ctx context.Context, name string) (upstream.Stat, error) {
	if c.closed.Load() {
		return upstream.Stat{}, errUnmounted
	}
	if err := sleep(ctx, c.latency); err != nil {
		return upstream.Stat{}, err
	}
	c.count.stats.Add(1)

	info, err := c.fs.Stat(name)
	if err != nil {
		return upstream.Stat{}, err
	}
	return upstream.FromFileInfo(info), nil
}

func (c *client) Unmount(context.Context) error {
	c.closed.Store(true)
	return nil
}

type handle struct {
	file    afero.File
	latency time.Duration
	count   *counters
}

func (h *handle) Pread(ctx context.Context, p []byte, off int64) (int, error) {
	if err := sleep(ctx, h.latency); err != nil {
		return 0, err
	}
	h.count.preads.Add(1)

	n, err := h.file.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (h *handle) Pwrite(ctx context.Context, p []byte, off int64) (int, error) {
	if err := sleep(ctx, h.latency); err != nil {
		return 0, err
	}
	h.count.pwrites.Add(1)

	return h.file.WriteAt(p, off)
}

func (h *handle) Fstat(ctx context.Context) (upstream.Stat, error) {
	if err := sleep(ctx, h.latency); err != nil {
		return upstream.Stat{}, err
	}

	info, err := h.file.Stat()
	if err != nil {
		return upstream.Stat{}, err
	}
	return upstream.FromFileInfo(info), nil
}

func (h *handle) Close(context.Context) error {
	return h.file.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
