package app

import (
	"log/slog"

	"dronefleet/internal/config"
	"dronefleet/internal/sink"
)

// newSinks sets up the event sinks enabled in cfg. The returned Multi is
// empty when nothing is configured.
func newSinks(cfg config.SinksConfig, fleetID string, log *slog.Logger) (*sink.Multi, error) {
	var sinks []sink.Sink
	closeAll := func() {
		for _, s := range sinks {
			s.Close()
		}
	}
	if cfg.JournalPath != "" {
		j, err := sink.NewJournal(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, j)
		log.Info("event journal enabled", "path", cfg.JournalPath)
	}
	if cfg.GreptimeEndpoint != "" {
		g, err := sink.NewGreptime(cfg.GreptimeEndpoint, cfg.GreptimeDatabase, fleetID, log)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, g)
		log.Info("greptime sink enabled", "endpoint", cfg.GreptimeEndpoint, "database", cfg.GreptimeDatabase)
	}
	return sink.NewMulti(sinks...), nil
}
