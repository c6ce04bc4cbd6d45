package cmd

import (
	"log/slog"
	"os"

	"github.com/javi11/nfsvfs/internal/config"
	"github.com/javi11/nfsvfs/internal/pathutil"
	"github.com/javi11/nfsvfs/internal/slogutil"
	"github.com/spf13/cobra"
)

var (
	configFile string
)

var rootCmd = &cobra.Command{
	Use:          "nfsvfs",
	Short:        "Block-cached remote file access with adaptive read-ahead",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml when present)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the configured logger.
// The returned leveler lets the level change on reload.
func loadConfig() (*config.Config, *slogutil.DynamicLeveler, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return nil, nil, err
	}

	if err := pathutil.CheckFileDirectoryWritable(cfg.Log.File, "log"); err != nil {
		return nil, nil, err
	}

	leveler := slogutil.NewDynamicLeveler(cfg.Log.SlogLevel())
	slog.SetDefault(slogutil.SetupLogRotation(cfg.Log, leveler))

	return cfg, leveler, nil
}
