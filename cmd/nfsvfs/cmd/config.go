package cmd

import (
	"fmt"
	"os"

	"github.com/javi11/nfsvfs/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var forceInit bool

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}

			out := cfg.DeepCopy()
			if out.Upstream.S3.SecretAccessKey != "" {
				out.Upstream.S3.SecretAccessKey = "********"
			}

			data, err := yaml.Marshal(out)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if path == "" {
				path = "config.yaml"
			}

			if _, err := os.Stat(path); err == nil && !forceInit {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			if err := config.SaveToFile(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing file")

	configCmd.AddCommand(showCmd, initCmd)
	rootCmd.AddCommand(configCmd)
}
