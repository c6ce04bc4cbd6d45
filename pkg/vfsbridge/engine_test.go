package vfsbridge

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/javi11/nfsvfs/internal/blockcache"
	"github.com/javi11/nfsvfs/internal/errors"
	"github.com/javi11/nfsvfs/internal/prefetch"
	"github.com/javi11/nfsvfs/internal/upstream/local"
	"github.com/javi11/nfsvfs/internal/vfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bs = blockcache.BlockSize

func newEngine(t *testing.T, size int) (*Engine, []byte) {
	t.Helper()

	root := afero.NewMemMapFs()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, root.MkdirAll("/h1/export/roms", 0o755))
	require.NoError(t, afero.WriteFile(root, "/h1/export/roms/game.bin", data, 0o644))

	e := NewEngine(local.NewDialer(root), Options{})
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, data
}

func TestCacheInit_FirstCallWins(t *testing.T) {
	e, _ := newEngine(t, 10)

	require.NoError(t, e.CacheInit(1))
	first := e.blockCache()
	require.NoError(t, e.CacheInit(64))

	assert.Same(t, first, e.blockCache())
	assert.Equal(t, 8, first.Capacity())
}

func TestCachePrimitives(t *testing.T) {
	e, _ := newEngine(t, 10)
	id := blockcache.BlockID{File: 1, Index: 0}

	// Before init every primitive degrades to a miss.
	assert.Equal(t, -1, e.CacheRead(1, 0, make([]byte, 4)))
	e.CachePut(id, []byte("abcd"))
	assert.False(t, e.CacheHasBlock(id))

	require.NoError(t, e.CacheInit(2))
	assert.Equal(t, bs, e.CacheGetBlockSize())

	e.CachePut(id, []byte("abcd"))
	assert.True(t, e.CacheHasBlock(id))

	out := make([]byte, 4)
	assert.Equal(t, 4, e.CacheRead(1, 0, out))
	assert.Equal(t, []byte("abcd"), out)

	assert.Equal(t, -1, e.CacheRead(1, bs, out))
	assert.Equal(t, bs, e.CacheRead(1, 0, make([]byte, bs+10)))
	assert.Equal(t, -1, e.CacheRead(1, -10, out))
}

func TestOpenRead_EndToEnd(t *testing.T) {
	e, data := newEngine(t, 3*bs+5)
	ctx := context.Background()

	f, err := e.Open(ctx, "nfs://h1/export/roms/game.bin", os.O_RDONLY)
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	st, err := e.Stat(ctx, "nfs://h1/export/roms/game.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(3*bs+5), st.Size)
}

func TestAddPathHint_BeforeInit(t *testing.T) {
	e, _ := newEngine(t, 10)
	e.AddPathHint("rom://game", "h1", "/export", "/roms/game.bin")

	f, err := e.Open(context.Background(), "rom://game", os.O_RDONLY)
	require.NoError(t, err)
	assert.Equal(t, int64(10), f.Size())
	require.NoError(t, f.Close())
}

func TestSetPrefetchConsumer(t *testing.T) {
	e, _ := newEngine(t, 2*bs)

	var mu sync.Mutex
	var got []int64
	e.SetPrefetchConsumer(vfs.PrefetchFunc(func(req vfs.Request) {
		mu.Lock()
		got = append(got, req.Block.Index)
		mu.Unlock()
	}))

	f, err := e.Open(context.Background(), "nfs://h1/export/roms/game.bin", os.O_RDONLY)
	require.NoError(t, err)
	_, err = f.ReadAt(make([]byte, 10), 0)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []int64{0, 1}, got[:2])
	n := len(got)
	mu.Unlock()

	e.SetPrefetchConsumer(nil)
	_, err = f.ReadAt(make([]byte, 10), bs+1)
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, got, n)
	mu.Unlock()
}

func TestStartPrefetch(t *testing.T) {
	e, data := newEngine(t, 4*bs)
	ctx := context.Background()

	w, err := e.StartPrefetch(ctx, prefetch.Config{Workers: 2})
	require.NoError(t, err)
	again, err := e.StartPrefetch(ctx, prefetch.Config{})
	require.NoError(t, err)
	assert.Same(t, w, again)

	f, err := e.Open(ctx, "nfs://h1/export/roms/game.bin", os.O_RDONLY)
	require.NoError(t, err)

	buf := make([]byte, 100)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, data[:100], buf)

	id := blockcache.BlockID{File: blockcache.NewFileID(f.Name()), Index: 2}
	assert.Eventually(t, func() bool { return e.CacheHasBlock(id) }, 2*time.Second, 5*time.Millisecond)
}

func TestClose(t *testing.T) {
	e, _ := newEngine(t, 10)
	ctx := context.Background()

	f, err := e.Open(ctx, "nfs://h1/export/roms/game.bin", os.O_RDONLY)
	require.NoError(t, err)

	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx))

	_, err = f.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = e.Open(ctx, "nfs://h1/export/roms/game.bin", os.O_RDONLY)
	assert.ErrorIs(t, err, errors.ErrPoolClosed)
	assert.ErrorIs(t, e.CacheInit(1), errors.ErrPoolClosed)
}
