package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"dronefleet/internal/app"
	"dronefleet/internal/logging"
)

var (
	replayInput string
	replaySpeed float64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded envelope log",
	Long:  "replay feeds an envelope log into a fresh registry and ledger and prints the resulting fleet state as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayInput == "" {
			return fmt.Errorf("input file required")
		}
		// Logs go to stderr so the JSON on stdout stays parseable.
		log := logging.NewWriter(cmd.ErrOrStderr(), slog.LevelWarn)
		state, _, err := app.Replay(cmd.Context(), replayInput, cfg.Registry.DistanceMetric, replaySpeed, log)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayInput, "input", "", "Path to envelope log file")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "Playback speed multiplier (0 replays without delay)")
	replayCmd.MarkFlagRequired("input")
}
