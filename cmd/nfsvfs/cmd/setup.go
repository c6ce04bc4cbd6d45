package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/javi11/nfsvfs/internal/config"
	"github.com/javi11/nfsvfs/internal/pathutil"
	"github.com/javi11/nfsvfs/internal/pool"
	"github.com/javi11/nfsvfs/internal/prefetch"
	"github.com/javi11/nfsvfs/internal/upstream"
	"github.com/javi11/nfsvfs/internal/upstream/local"
	s3up "github.com/javi11/nfsvfs/internal/upstream/s3"
	"github.com/javi11/nfsvfs/internal/vfs"
	"github.com/javi11/nfsvfs/pkg/vfsbridge"
	"github.com/spf13/afero"
)

// newDialer builds the upstream selected by cfg.Upstream.Type.
func newDialer(ctx context.Context, cfg *config.Config) (upstream.Dialer, error) {
	switch cfg.Upstream.Type {
	case "local":
		if err := pathutil.CheckDirectory(cfg.Upstream.Local.Root); err != nil {
			return nil, fmt.Errorf("local upstream root: %w", err)
		}
		root := afero.NewBasePathFs(afero.NewOsFs(), cfg.Upstream.Local.Root)
		return local.NewDialer(root, local.WithLatency(cfg.Upstream.Local.Latency)), nil
	case "s3":
		client, err := s3up.NewClient(ctx, s3up.Config{
			Endpoint:        cfg.Upstream.S3.Endpoint,
			Region:          cfg.Upstream.S3.Region,
			AccessKeyID:     cfg.Upstream.S3.AccessKeyID,
			SecretAccessKey: cfg.Upstream.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return s3up.NewDialer(client), nil
	default:
		return nil, fmt.Errorf("unknown upstream type %q", cfg.Upstream.Type)
	}
}

// newEngine wires the pool, cache and file system from cfg. The prefetch
// worker is started when enabled.
func newEngine(ctx context.Context, cfg *config.Config) (*vfsbridge.Engine, error) {
	dialer, err := newDialer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	engine := vfsbridge.NewEngine(dialer, vfsbridge.Options{
		Pool: pool.Options{
			StatCache: pool.StatCacheOptions{
				TTL:        cfg.GetStatTTL(),
				MaxEntries: cfg.GetStatMaxEntries(),
			},
		},
		VFS: vfs.Options{
			PathHintSize: cfg.Cache.PathHintSize,
			Timeout: vfs.TimeoutOptions{
				Initial: cfg.GetTimeoutInitial(),
				Floor:   cfg.GetTimeoutFloor(),
				Ceiling: cfg.GetTimeoutCeiling(),
			},
		},
	})

	if err := engine.CacheInit(int(cfg.GetCacheCapacityBytes() >> 20)); err != nil {
		return nil, err
	}

	if cfg.GetPrefetchEnabled() {
		if _, err := engine.StartPrefetch(ctx, prefetch.Config{
			Workers:    cfg.Prefetch.Workers,
			QueueSize:  cfg.Prefetch.QueueSize,
			MaxRetries: cfg.Prefetch.MaxRetries,
			RetryDelay: cfg.Prefetch.RetryDelay,
		}); err != nil {
			_ = engine.Close(ctx)
			return nil, err
		}
	}

	slog.InfoContext(ctx, "Engine ready",
		"upstream", cfg.Upstream.Type,
		"cache_mb", cfg.GetCacheCapacityBytes()>>20,
		"prefetch", cfg.GetPrefetchEnabled())

	return engine, nil
}
