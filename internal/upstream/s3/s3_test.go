package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	nfserrors "github.com/javi11/nfsvfs/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves objects from memory.
type fakeAPI struct {
	buckets map[string]map[string][]byte
	ranges  []string
}

func (f *fakeAPI) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if _, ok := f.buckets[aws.ToString(in.Bucket)]; !ok {
		return nil, &types.NoSuchBucket{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.buckets[aws.ToString(in.Bucket)][aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	mod := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data))), LastModified: &mod}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.buckets[aws.ToString(in.Bucket)][aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	rng := aws.ToString(in.Range)
	f.ranges = append(f.ranges, rng)

	var start, end int
	if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
		return nil, err
	}
	if start >= len(data) {
		return nil, errors.New("api error InvalidRange")
	}
	if end >= len(data) {
		end = len(data) - 1
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data[start : end+1]))}, nil
}

func (f *fakeAPI) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var count int32
	for key := range f.buckets[aws.ToString(in.Bucket)] {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			count++
		}
	}
	return &s3.ListObjectsV2Output{KeyCount: aws.Int32(count)}, nil
}

func newFake() *fakeAPI {
	return &fakeAPI{buckets: map[string]map[string][]byte{
		"media": {
			"roms/game.bin":  []byte("0123456789"),
			"roms/sub/x.bin": []byte("x"),
		},
	}}
}

func TestSplitExport(t *testing.T) {
	tests := []struct {
		export, bucket, prefix string
		wantErr                bool
	}{
		{"/media", "media", "", false},
		{"/media/roms", "media", "roms/", false},
		{"media/roms/sub/", "media", "roms/sub/", false},
		{"/", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.export, func(t *testing.T) {
			bucket, prefix, err := SplitExport(tt.export)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.prefix, prefix)
		})
	}
}

func TestMount(t *testing.T) {
	d := NewDialer(newFake())

	_, err := d.Mount(context.Background(), "s3", "/media/roms")
	require.NoError(t, err)

	_, err = d.Mount(context.Background(), "s3", "/missing")
	assert.Error(t, err)
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	c, err := NewDialer(newFake()).Mount(ctx, "s3", "/media/roms")
	require.NoError(t, err)

	st, err := c.Stat(ctx, "/game.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Size)
	assert.Equal(t, "game.bin", st.Name)
	assert.False(t, st.IsDir)

	st, err = c.Stat(ctx, "/sub")
	require.NoError(t, err)
	assert.True(t, st.IsDir)

	st, err = c.Stat(ctx, "/")
	require.NoError(t, err)
	assert.True(t, st.IsDir)

	_, err = c.Stat(ctx, "/nope.bin")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestHandle_Pread(t *testing.T) {
	ctx := context.Background()
	api := newFake()
	c, err := NewDialer(api).Mount(ctx, "s3", "/media/roms")
	require.NoError(t, err)

	h, err := c.Open(ctx, "/game.bin", os.O_RDONLY)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := h.Pread(ctx, buf, 3)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(buf[:n]))

	n, err = h.Pread(ctx, buf, 8)
	require.NoError(t, err)
	assert.Equal(t, "89", string(buf[:n]))

	n, err = h.Pread(ctx, buf, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []string{"bytes=3-6", "bytes=8-9"}, api.ranges)

	st, err := h.Fstat(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Size)
	require.NoError(t, h.Close(ctx))
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	c, err := NewDialer(newFake()).Mount(ctx, "s3", "/media/roms")
	require.NoError(t, err)

	_, err = c.Open(ctx, "/game.bin", os.O_RDWR|os.O_CREATE)
	assert.ErrorIs(t, err, nfserrors.ErrReadOnly)

	h, err := c.Open(ctx, "/game.bin", os.O_RDONLY)
	require.NoError(t, err)
	_, err = h.Pwrite(ctx, []byte("x"), 0)
	assert.ErrorIs(t, err, nfserrors.ErrReadOnly)

	_, err = c.Open(ctx, "/sub", os.O_RDONLY)
	assert.ErrorIs(t, err, nfserrors.ErrNotSupported)
}
