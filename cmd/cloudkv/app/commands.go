// Package app provides the commands of the cloudkv binary.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/cloudkv/internal/config"
	"github.com/stacklok/cloudkv/internal/versions"
)

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "cloudkv",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Cloud-mirrored key-value store",
		Long: `cloudkv is a key-value store whose values are mirrored by an external cloud
synchronization service. It can serve the store over HTTP or operate on it
directly from the command line.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		slog.Error("Error binding config flag", "error", err)
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newGetCmd(),
		newSetCmd(),
		newRemoveCmd(),
		newSyncCmd(),
		newNotifyCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

// loadConfig reads the file named by --config, or returns the defaults
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		slog.Debug("No configuration file given, using defaults")
		return config.Default(), nil
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Debug("Loaded configuration", "path", path, "store", cfg.GetStoreName(), "storage", cfg.Storage.GetType())
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}

			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info: %w", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cloudkv %s (commit %s, built %s, %s %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return nil
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}
