// Package s3 exposes an S3-compatible bucket as a read-only upstream. The
// export names the bucket and an optional key prefix ("/media/roms" is bucket
// "media", prefix "roms/"). Positional reads become ranged GetObject calls.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	nfserrors "github.com/javi11/nfsvfs/internal/errors"
	"github.com/javi11/nfsvfs/internal/upstream"
)

// API is the subset of *s3.Client used by the upstream.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds connection settings.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient builds an S3 client from cfg. A custom endpoint switches to
// path-style addressing for MinIO and similar servers.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Dialer mounts buckets through one API client. The server name is only used
// for logging; the endpoint is fixed by the client.
type Dialer struct {
	api API
	log *slog.Logger
}

var _ upstream.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer on api.
func NewDialer(api API) *Dialer {
	return &Dialer{
		api: api,
		log: slog.Default().With("component", "upstream-s3"),
	}
}

// SplitExport splits an export into bucket and key prefix.
func SplitExport(export string) (bucket, prefix string, err error) {
	trimmed := strings.Trim(export, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("export %q does not name a bucket", export)
	}

	bucket, prefix, _ = strings.Cut(trimmed, "/")
	if prefix != "" {
		prefix += "/"
	}
	return bucket, prefix, nil
}

// Mount implements upstream.Dialer.
func (d *Dialer) Mount(ctx context.Context, server, export string) (upstream.Client, error) {
	bucket, prefix, err := SplitExport(export)
	if err != nil {
		return nil, err
	}

	if _, err := d.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %s: %w", bucket, err)
	}

	d.log.DebugContext(ctx, "Mounted bucket", "server", server, "bucket", bucket, "prefix", prefix)

	return &client{api: d.api, bucket: bucket, prefix: prefix}, nil
}

type client struct {
	api    API
	bucket string
	prefix string
}

func (c *client) key(name string) string {
	return c.prefix + strings.TrimPrefix(path.Clean("/"+name), "/")
}

func (c *client) Open(ctx context.Context, name string, flag int) (upstream.Handle, error) {
	if upstream.WantsWrite(flag) {
		return nil, nfserrors.ErrReadOnly
	}

	st, err := c.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	if st.IsDir {
		return nil, fmt.Errorf("%s: %w", name, nfserrors.ErrNotSupported)
	}

	return &handle{client: c, key: c.key(name), stat: st}, nil
}

func (c *client) Stat(ctx context.Context, name string) (upstream.Stat, error) {
	key := c.key(name)
	base := path.Base("/" + name)

	if key != "" && !strings.HasSuffix(key, "/") {
		out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			st := upstream.Stat{Name: base, Mode: 0o444}
			if out.ContentLength != nil {
				st.Size = *out.ContentLength
			}
			if out.LastModified != nil {
				st.ModTime = *out.LastModified
			}
			return st, nil
		}
		if !isNotFound(err) {
			return upstream.Stat{}, fmt.Errorf("failed to head object: %w", err)
		}
	}

	// No object: treat a non-empty key prefix as a directory.
	dir := key
	if dir != "" && !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(dir),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return upstream.Stat{}, fmt.Errorf("failed to list objects: %w", err)
	}
	if aws.ToInt32(out.KeyCount) == 0 && dir != c.prefix {
		return upstream.Stat{}, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}

	return upstream.Stat{Name: base, Mode: 0o555, IsDir: true, ModTime: time.Time{}}, nil
}

func (c *client) Unmount(context.Context) error {
	return nil
}

type handle struct {
	client *client
	key    string
	stat   upstream.Stat
}

func (h *handle) Pread(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 || off >= h.stat.Size {
		return 0, nil
	}

	end := off + int64(len(p)) - 1
	if end >= h.stat.Size {
		end = h.stat.Size - 1
	}

	out, err := h.client.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.client.bucket),
		Key:    aws.String(h.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		if strings.Contains(err.Error(), "InvalidRange") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read from S3: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	n, err := io.ReadFull(out.Body, p[:end-off+1])
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (h *handle) Pwrite(context.Context, []byte, int64) (int, error) {
	return 0, nfserrors.ErrReadOnly
}

func (h *handle) Fstat(context.Context) (upstream.Stat, error) {
	return h.stat, nil
}

func (h *handle) Close(context.Context) error {
	return nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}
