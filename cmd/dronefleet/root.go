package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"dronefleet/internal/config"
	"dronefleet/internal/logging"
	"dronefleet/internal/metrics"
)

var (
	configPath    string
	schemaPath    string
	envFile       string
	logLevel      string
	metricsStdout bool

	cfg      *config.Config
	logger   *slog.Logger
	provider *metrics.Provider
)

var rootCmd = &cobra.Command{
	Use:           "dronefleet",
	Short:         "Drone fleet coordinator",
	Long:          "dronefleet keeps a live model of a drone worker cluster, its node graph and its task assignments.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if provider == nil {
			return nil
		}
		return provider.Shutdown(context.Background())
	},
}

// setup loads the environment, config, logger and meter provider shared
// by every subcommand.
func setup() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger = logging.New(level)
	slog.SetDefault(logger)

	if cfg, err = config.Load(configPath, schemaPath); err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if provider, err = metrics.Setup(metrics.Options{Stdout: metricsStdout}); err != nil {
		return err
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration YAML (defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&schemaPath, "schema", "", "Path to CUE schema file (built-in when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&metricsStdout, "metrics-stdout", false, "Export counters to STDOUT periodically")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(replayCmd)
}
