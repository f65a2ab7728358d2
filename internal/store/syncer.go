package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"dronefleet/internal/fleet"
	"dronefleet/internal/notify"
)

// DefaultWriteTimeout bounds a single write-back.
const DefaultWriteTimeout = 5 * time.Second

// Syncer writes registry and ledger events back to a Repository. Feed it
// from a spooled subscription so no event is missed. A failed write is
// logged and skipped; node and task rows recover on the entity's next
// event, history rows do not.
type Syncer struct {
	repo    Repository
	log     *slog.Logger
	timeout time.Duration
}

// NewSyncer returns a syncer writing to repo.
func NewSyncer(repo Repository, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{repo: repo, log: log, timeout: DefaultWriteTimeout}
}

// Run consumes events from ch until ctx ends or ch closes. ch should come
// from notify.Hub.SubscribeSpool.
func (s *Syncer) Run(ctx context.Context, ch <-chan notify.Event) {
	notify.Consume(ctx, ch, "store", s.log, s.Handle)
}

// Handle persists one event.
func (s *Syncer) Handle(ctx context.Context, ev notify.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch e := ev.Entity.(type) {
	case fleet.Node:
		if ev.Action == notify.ActionDeleted {
			return s.repo.DeleteNode(ctx, e.ID)
		}
		return s.repo.SaveNode(ctx, e)
	case fleet.MainTask:
		return s.repo.SaveTask(ctx, e)
	case fleet.SubTask:
		return s.repo.SaveSubTask(ctx, e)
	case fleet.HistoryEntry:
		return s.repo.AppendHistory(ctx, e)
	}
	return fmt.Errorf("unexpected %s entity %T", ev.Kind, ev.Entity)
}

// NodeRestorer receives persisted nodes at startup.
type NodeRestorer interface {
	Restore(nodes []fleet.Node)
}

// TaskRestorer receives persisted tasks and history at startup.
type TaskRestorer interface {
	Restore(tasks []fleet.MainTask, history []fleet.HistoryEntry)
}

// Startup loads nodes, tasks and history concurrently and blocks until all
// three are in memory. Nothing is restored unless every load succeeds.
func Startup(ctx context.Context, repo Repository, nodes NodeRestorer, tasks TaskRestorer) error {
	var (
		ns []fleet.Node
		ts []fleet.MainTask
		hs []fleet.HistoryEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ns, err = repo.LoadNodes(gctx)
		return err
	})
	g.Go(func() (err error) {
		ts, err = repo.LoadTasks(gctx)
		return err
	})
	g.Go(func() (err error) {
		hs, err = repo.LoadHistory(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("startup load: %w", err)
	}
	nodes.Restore(ns)
	tasks.Restore(ts, hs)
	return nil
}
