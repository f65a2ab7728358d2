package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dronefleet/internal/sim"
)

var (
	simListen string
	simTick   time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a mock worker cluster",
	Long:  "simulate serves the upstream protocol with a simulated drone cluster so the coordinator can run without hardware.",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen := cfg.Simulator.Listen
		if cmd.Flags().Changed("listen") {
			listen = simListen
		}
		tick := cfg.Simulator.Tick
		if cmd.Flags().Changed("tick") {
			tick = simTick
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cluster := sim.New(sim.Options{
			Tick:         tick,
			SubTasks:     cfg.Simulator.SubTasks,
			CompleteRate: cfg.Simulator.CompleteRate,
			FailureRate:  failureRate(cfg.Simulator.FailureRate),
			Logger:       logger,
		})
		err := cluster.ListenAndServe(ctx, listen)
		logger.Info("mock cluster stopped")
		return err
	},
}

// failureRate maps a configured zero to "never fail" rather than the
// simulator default.
func failureRate(r float64) float64 {
	if r == 0 {
		return -1
	}
	return r
}

func init() {
	simulateCmd.Flags().StringVar(&simListen, "listen", "127.0.0.1:9000", "Address to accept coordinator connections on")
	simulateCmd.Flags().DurationVar(&simTick, "tick", time.Second, "Simulation tick interval (e.g. 500ms, 2s)")
}
