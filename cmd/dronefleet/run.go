package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dronefleet/internal/app"
	"dronefleet/internal/logging"
)

var (
	runTUI     bool
	runLogFile string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the worker cluster and coordinate the fleet",
	Long:  "run loads persisted state, connects to the upstream cluster and keeps the node registry and task ledger current until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger
		tui := runTUI
		if tui && !term.IsTerminal(int(os.Stdout.Fd())) {
			log.Warn("stdout is not a terminal, fleet view disabled")
			tui = false
		}
		if tui || runLogFile != "" {
			fl, closeLog, err := fileLogger(runLogFile, log.Handler())
			if err != nil {
				return err
			}
			defer closeLog()
			log = fl
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, app.Options{
			Logger: log,
			Meter:  provider.Meter("dronefleet"),
			TUI:    tui,
		})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Load(ctx); err != nil {
			return fmt.Errorf("startup load: %w", err)
		}
		log.Info("coordinator starting", "fleet_id", cfg.FleetID, "upstream", cfg.Upstream.Addr())
		if err := a.Run(ctx); err != nil {
			return err
		}
		log.Info("coordinator stopped")
		return nil
	},
}

// fileLogger sends logs to path, or discards them when path is empty, so
// they do not draw over the fleet view. The returned func closes the file.
func fileLogger(path string, h slog.Handler) (*slog.Logger, func() error, error) {
	if path == "" {
		return logging.NewWriter(io.Discard, slog.LevelError), func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	level := slog.LevelInfo
	for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if h.Enabled(context.Background(), l) {
			level = l
			break
		}
	}
	return logging.NewWriter(f, level), f.Close, nil
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the live fleet view")
	runCmd.Flags().StringVar(&runLogFile, "log-file", "", "Write logs to this file instead of STDOUT")
}
