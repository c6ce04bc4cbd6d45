// Package pool shares mounted upstream sessions between open files. Sessions
// are keyed by "server:export", reference counted, and kept warm until the
// pool is closed. Each session serializes its RPCs.
package pool

import (
	"cmp"
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/javi11/nfsvfs/internal/errors"
	"github.com/javi11/nfsvfs/internal/upstream"
)

// Key returns the session key for a server and export.
func Key(server, export string) string {
	return server + ":" + export
}

// SessionInfo describes a live session for diagnostics.
type SessionInfo struct {
	Key    string `json:"key"`
	Server string `json:"server"`
	Export string `json:"export"`
	Refs   int    `json:"refs"`
}

// Session is a mounted export shared by every handle acquired for its key.
type Session struct {
	Server string
	Export string

	mu     sync.Mutex
	client upstream.Client

	// refs is guarded by the owning pool's mutex.
	refs int

	counters *counters
}

// Do runs fn with exclusive access to the session client. One RPC should be
// issued per call so concurrent readers interleave fairly.
func (s *Session) Do(fn func(upstream.Client) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return errors.ErrPoolClosed
	}

	s.counters.rpcs.Add(1)
	if err := fn(s.client); err != nil {
		s.counters.rpcErrors.Add(1)
		return err
	}
	return nil
}

// RecordTransfer accounts bytes moved through the session.
func (s *Session) RecordTransfer(read, written int64) {
	if read > 0 {
		s.counters.bytesRead.Add(read)
	}
	if written > 0 {
		s.counters.bytesWritten.Add(written)
	}
}

// Handle is one acquisition of a session. Release it exactly once; extra
// calls are ignored.
type Handle struct {
	pool     *Pool
	session  *Session
	released atomic.Bool
}

// Session returns the shared session.
func (h *Handle) Session() *Session {
	return h.session
}

// Do is shorthand for h.Session().Do(fn).
func (h *Handle) Do(fn func(upstream.Client) error) error {
	return h.session.Do(fn)
}

// Release drops this handle's reference. The session stays mounted.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}

	h.pool.mu.Lock()
	h.session.refs--
	h.pool.mu.Unlock()
}

// Options configures a Pool.
type Options struct {
	StatCache StatCacheOptions
}

// Pool owns every mounted session.
type Pool struct {
	dialer upstream.Dialer

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	stats    *StatCache
	counters *counters
	log      *slog.Logger
}

// New creates a pool that mounts exports through dialer.
func New(dialer upstream.Dialer, opts Options) *Pool {
	return &Pool{
		dialer:   dialer,
		sessions: make(map[string]*Session),
		stats:    NewStatCache(opts.StatCache),
		counters: &counters{},
		log:      slog.Default().With("component", "pool"),
	}
}

// StatCache returns the metadata cache attached to the pool.
func (p *Pool) StatCache() *StatCache {
	return p.stats
}

// Acquire returns a handle on the session for (server, export), mounting it if
// needed. The mount runs without holding the pool lock; if another caller
// mounted the same key meanwhile, the new client is unmounted and the
// existing session is shared.
func (p *Pool) Acquire(ctx context.Context, server, export string) (*Handle, error) {
	key := Key(server, export)

	if h, ok, err := p.lookup(key); err != nil || ok {
		return h, err
	}

	client, err := p.dialer.Mount(ctx, server, export)
	if err != nil {
		p.counters.mountErrors.Add(1)
		p.log.WarnContext(ctx, "Failed to mount export", "server", server, "export", export, "error", err)
		return nil, errors.NewConnectError(server, export, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.unmount(ctx, key, client)
		return nil, errors.ErrPoolClosed
	}

	if s, ok := p.sessions[key]; ok {
		s.refs++
		p.mu.Unlock()

		p.log.DebugContext(ctx, "Lost mount race, sharing existing session", "key", key)
		p.unmount(ctx, key, client)
		return &Handle{pool: p, session: s}, nil
	}

	s := &Session{
		Server:   server,
		Export:   export,
		client:   client,
		refs:     1,
		counters: p.counters,
	}
	p.sessions[key] = s
	p.mu.Unlock()

	p.counters.mounts.Add(1)
	p.log.InfoContext(ctx, "Mounted export", "server", server, "export", export)

	return &Handle{pool: p, session: s}, nil
}

func (p *Pool) lookup(key string) (*Handle, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, errors.ErrPoolClosed
	}

	s, ok := p.sessions[key]
	if !ok {
		return nil, false, nil
	}

	s.refs++
	return &Handle{pool: p, session: s}, true, nil
}

func (p *Pool) unmount(ctx context.Context, key string, client upstream.Client) {
	if err := client.Unmount(ctx); err != nil {
		p.log.WarnContext(ctx, "Failed to unmount export", "key", key, "error", err)
	}
}

// Sessions lists live sessions ordered by key.
func (p *Pool) Sessions() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SessionInfo, 0, len(p.sessions))
	for key, s := range p.sessions {
		out = append(out, SessionInfo{Key: key, Server: s.Server, Export: s.Export, Refs: s.refs})
	}

	slices.SortFunc(out, func(a, b SessionInfo) int {
		return cmp.Compare(a.Key, b.Key)
	})

	return out
}

// Close unmounts every session. Subsequent Acquire calls fail with
// ErrPoolClosed. Closing twice is a no-op.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	var errs []error
	for key, s := range sessions {
		s.mu.Lock()
		if s.client != nil {
			if err := s.client.Unmount(ctx); err != nil {
				errs = append(errs, err)
				p.log.WarnContext(ctx, "Failed to unmount export", "key", key, "error", err)
			}
			s.client = nil
		}
		s.mu.Unlock()
	}

	p.stats.Clear()
	p.log.InfoContext(ctx, "Connection pool closed", "sessions", len(sessions))

	return stderrors.Join(errs...)
}
