// Package app wires the coordinator together: one registry, ledger,
// notifier hub and uplink per process, the optional persistence and sinks,
// and the run loop that ties their lifetimes to a context.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"dronefleet/internal/admin"
	"dronefleet/internal/config"
	"dronefleet/internal/dispatch"
	"dronefleet/internal/fleet"
	"dronefleet/internal/ledger"
	"dronefleet/internal/notify"
	"dronefleet/internal/protocol"
	"dronefleet/internal/registry"
	"dronefleet/internal/sink"
	"dronefleet/internal/store"
	"dronefleet/internal/tui"
	"dronefleet/internal/uplink"
)

// Options are process-level choices that do not live in the config file.
type Options struct {
	Logger *slog.Logger
	Meter  metric.Meter
	// TUI shows the fleet view while running.
	TUI bool
}

// App holds the coordinator singletons.
type App struct {
	cfg  *config.Config
	opts Options
	log  *slog.Logger

	Hub        *notify.Hub
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Dispatcher *dispatch.Dispatcher
	Uplink     *uplink.Client

	repo   store.Repository
	sinks  *sink.Multi
	envLog *sink.EnvelopeLog
}

// New builds every component and opens the repository when a DSN is
// configured. Nothing talks to the upstream cluster until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dist, err := fleet.ParseMetric(cfg.Registry.DistanceMetric)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, opts: opts, log: log, Hub: notify.NewHub(notify.WithLogger(log.With("component", "notify")))}
	a.Registry = registry.New(
		registry.WithDistance(dist),
		registry.WithPublisher(a.Hub),
		registry.WithLogger(log.With("component", "registry")),
	)
	a.Ledger = ledger.New(
		ledger.WithPublisher(a.Hub),
		ledger.WithLogger(log.With("component", "ledger")),
	)
	a.Dispatcher = dispatch.New(a.Registry, a.Ledger,
		dispatch.WithLogger(log.With("component", "dispatch")),
		dispatch.WithMeter(opts.Meter),
	)

	if a.sinks, err = newSinks(cfg.Sinks, cfg.FleetID, log); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Sinks.EnvelopeLog != "" {
		if a.envLog, err = sink.NewEnvelopeLog(cfg.Sinks.EnvelopeLog); err != nil {
			a.Close()
			return nil, err
		}
		log.Info("recording envelopes", "path", cfg.Sinks.EnvelopeLog)
	}

	if cfg.Store.PostgresDSN != "" {
		pg, err := store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.repo = pg
		if err := pg.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Uplink = uplink.New(a.handle, uplink.Options{
		MaxRetries:    cfg.Upstream.MaxRetries,
		RetryInterval: cfg.Upstream.RetryInterval,
		QueueCapacity: cfg.Upstream.QueueCapacity,
		PollInterval:  cfg.Upstream.PollInterval,
		StartNodes:    cfg.Upstream.StartNodes,
		MaxFrame:      cfg.Upstream.MaxFrameBytes,
		Logger:        log.With("component", "uplink"),
		Meter:         opts.Meter,
	})
	return a, nil
}

// handle records and dispatches one inbound envelope.
func (a *App) handle(env protocol.Envelope) {
	if a.envLog != nil {
		if err := a.envLog.Record(env); err != nil {
			a.log.Warn("record envelope", "tag", env.Type, "err", err)
		}
	}
	a.Dispatcher.Handle(env)
}

// Load seeds the registry and ledger from the repository. It blocks until
// every load has finished and applies nothing if one fails.
func (a *App) Load(ctx context.Context) error {
	if a.repo == nil {
		return nil
	}
	if err := store.Startup(ctx, a.repo, a.Registry, a.Ledger); err != nil {
		return err
	}
	a.log.Info("state restored", "nodes", a.Registry.Stats().Total, "tasks", a.Ledger.Stats().Tasks)
	return nil
}

// Run connects to the upstream cluster and serves until ctx is cancelled
// or the uplink gives up. Cancellation disconnects cleanly and returns nil.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.repo != nil {
		ch, unsubscribe := a.Hub.SubscribeSpool()
		syncer := store.NewSyncer(a.repo, a.log.With("component", "store"))
		g.Go(func() error {
			defer unsubscribe()
			syncer.Run(ctx, ch)
			return nil
		})
	}
	if a.sinks.Len() > 0 {
		ch, unsubscribe := a.Hub.Subscribe(notify.DefaultBuffer)
		g.Go(func() error {
			defer unsubscribe()
			sink.Run(ctx, ch, "sinks", a.sinks, a.log)
			return nil
		})
	}
	if a.opts.TUI {
		ch, unsubscribe := a.Hub.Subscribe(notify.DefaultBuffer)
		view := tui.New(a.Registry, a.Ledger, a.Uplink, ch)
		g.Go(func() error {
			defer unsubscribe()
			if err := tui.Run(ctx, view); err != nil {
				return err
			}
			// Quitting the view stops the coordinator.
			return errQuit
		})
	}
	if a.cfg.Admin.Addr != "" {
		srv := admin.NewServer(a.Uplink, a.Registry, a.Ledger, a.log.With("component", "admin"))
		srv.Events = a.Hub
		g.Go(func() error { return srv.Start(ctx, a.cfg.Admin.Addr) })
	}

	if err := a.Uplink.Connect(ctx, a.cfg.Upstream.Host, a.cfg.Upstream.Port); err != nil {
		return errors.Join(err, stop(g))
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			a.Uplink.Disconnect()
			return nil
		case <-a.Uplink.Done():
			if err := a.Uplink.Err(); err != nil {
				return fmt.Errorf("upstream lost: %w", err)
			}
			return nil
		}
	})

	err := g.Wait()
	a.Uplink.Disconnect()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

var errQuit = errors.New("fleet view closed")

func stop(g *errgroup.Group) error {
	g.Go(func() error { return errQuit })
	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// Close releases every component. It is safe to call on a partly built
// App.
func (a *App) Close() error {
	var errs []error
	if a.Registry != nil {
		a.Registry.Close()
	}
	if a.Ledger != nil {
		a.Ledger.Close()
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.sinks != nil {
		errs = append(errs, a.sinks.Close())
	}
	if a.envLog != nil {
		errs = append(errs, a.envLog.Close())
	}
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	return errors.Join(errs...)
}
