package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/javi11/nfsvfs/internal/api"
	"github.com/javi11/nfsvfs/internal/config"
	"github.com/javi11/nfsvfs/internal/pool"
	"github.com/javi11/nfsvfs/pkg/vfsbridge"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var (
	statsSchedule string
	accessLog     bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve remote files over HTTP with a stats API",
		Long: `Start the HTTP server. Files are streamed from
<prefix>/stream?url=nfs://server/export/path with Range support and every read
goes through the shared block cache. SIGHUP reloads the configuration.`,
		RunE: runServe,
	}

	serveCmd.Flags().StringVar(&statsSchedule, "stats-schedule", "@every 1m", "cron schedule for logging cache and pool stats (empty disables)")
	serveCmd.Flags().BoolVar(&accessLog, "access-log", false, "log every HTTP request")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, leveler, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Create config manager for dynamic configuration updates
	configManager := config.NewManager(cfg, configFile)
	registry := config.NewComponentRegistry(logger)
	registry.RegisterLogging(leveler)
	configManager.OnConfigChange(registry.ApplyUpdates)

	engine, err := newEngine(ctx, cfg)
	if err != nil {
		logger.ErrorContext(ctx, "failed to start engine", "err", err)
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.Error("Failed to close engine", "err", err)
		}
	}()

	metrics := pool.NewMetricsTracker(engine.Pool())
	metrics.Start(ctx)
	defer metrics.Stop()

	scheduler, err := startStatsReporter(engine, metrics, statsSchedule)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}

	server := api.NewServer(&api.Config{
		Prefix:    cfg.API.Prefix,
		AccessLog: accessLog,
	}, engine, metrics, configManager)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(cfg.API.Listen)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case err := <-serverErr:
			if err != nil {
				logger.ErrorContext(ctx, "API server failed", "err", err)
			}
			return err
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := configManager.ReloadConfig(); err != nil {
					logger.ErrorContext(ctx, "Failed to reload config", "err", err)
				} else {
					logger.InfoContext(ctx, "Configuration reloaded", "file", configManager.ConfigFile())
				}
				continue
			}

			logger.InfoContext(ctx, "Shutting down", "signal", sig.String())
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := server.Shutdown(shutdownCtx)
			shutdownCancel()
			return err
		}
	}
}

// startStatsReporter logs a stats line on schedule. An empty schedule
// disables reporting.
func startStatsReporter(engine *vfsbridge.Engine, metrics *pool.MetricsTracker, schedule string) (*cron.Cron, error) {
	if schedule == "" {
		return nil, nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { logStats(engine, metrics) }); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func logStats(engine *vfsbridge.Engine, metrics *pool.MetricsTracker) {
	logger := slog.Default().With("component", "stats")

	snapshot := metrics.GetSnapshot()
	attrs := []any{
		"sessions", snapshot.Sessions,
		"rpcs", snapshot.RPCs,
		"rpc_errors", snapshot.RPCErrors,
		"read_bytes_per_sec", int64(snapshot.ReadSpeedBytesPerSec),
	}

	if fsys, err := engine.FileSystem(); err == nil {
		cs := fsys.Cache().Stats()
		st := fsys.Orchestrator().Stats()
		attrs = append(attrs,
			"cache_used_slots", cs.UsedSlots,
			"cache_hits", cs.Hits,
			"cache_misses", cs.Misses,
			"cache_evictions", cs.Evictions,
			"fallbacks", st.Fallbacks,
			"wait_timeouts", st.WaitTimeouts,
			"timeout", fsys.Orchestrator().Timeout().Current(),
			"open_files", len(fsys.OpenFiles()))
	}

	if w := engine.PrefetchWorker(); w != nil {
		ps := w.Stats()
		attrs = append(attrs,
			"prefetch_fetched", ps.Fetched,
			"prefetch_dropped", ps.Dropped)
	}

	logger.Info("Stats", attrs...)
}
