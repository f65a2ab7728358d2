package app

import (
	"context"
	"log/slog"

	"dronefleet/internal/dispatch"
	"dronefleet/internal/fleet"
	"dronefleet/internal/ledger"
	"dronefleet/internal/registry"
	"dronefleet/internal/sink"
)

// State is a point-in-time copy of the fleet.
type State struct {
	Nodes   []fleet.Node         `json:"nodes"`
	Tasks   []fleet.MainTask     `json:"tasks"`
	History []fleet.HistoryEntry `json:"history"`
	Stats   struct {
		Nodes registry.Stats `json:"nodes"`
		Tasks ledger.Stats   `json:"tasks"`
	} `json:"stats"`
}

// Snapshot copies the current registry and ledger contents.
func (a *App) Snapshot() State {
	return snapshot(a.Registry, a.Ledger)
}

func snapshot(reg *registry.Registry, led *ledger.Ledger) State {
	var s State
	s.Nodes = reg.All()
	s.Tasks = led.Tasks()
	s.History = led.History()
	s.Stats.Nodes = reg.Stats()
	s.Stats.Tasks = led.Stats()
	return s
}

// Replay feeds a recorded envelope log into a fresh registry and ledger
// and returns the resulting state. speed > 0 keeps the recorded pacing
// scaled by speed.
func Replay(ctx context.Context, path, metric string, speed float64, log *slog.Logger) (State, int, error) {
	if log == nil {
		log = slog.Default()
	}
	dist, err := fleet.ParseMetric(metric)
	if err != nil {
		return State{}, 0, err
	}
	reg := registry.New(registry.WithDistance(dist), registry.WithLogger(log))
	led := ledger.New(ledger.WithLogger(log))
	defer reg.Close()
	defer led.Close()
	d := dispatch.New(reg, led, dispatch.WithLogger(log))

	n, err := sink.ReplayFile(ctx, path, d.Handle, speed)
	if err != nil {
		return State{}, n, err
	}
	log.Info("replay finished", "envelopes", n)
	return snapshot(reg, led), n, nil
}
