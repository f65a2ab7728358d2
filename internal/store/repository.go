// Package store persists fleet state. The core never blocks on it: state is
// loaded once at startup and written back asynchronously from change
// events.
package store

import (
	"context"

	"dronefleet/internal/fleet"
)

// Repository is the persistence contract for nodes, tasks and history.
type Repository interface {
	LoadNodes(ctx context.Context) ([]fleet.Node, error)
	LoadTasks(ctx context.Context) ([]fleet.MainTask, error)
	LoadHistory(ctx context.Context) ([]fleet.HistoryEntry, error)

	SaveNode(ctx context.Context, n fleet.Node) error
	DeleteNode(ctx context.Context, id int) error
	// SaveTask upserts the task row only; subtasks are saved separately.
	SaveTask(ctx context.Context, t fleet.MainTask) error
	SaveSubTask(ctx context.Context, s fleet.SubTask) error
	AppendHistory(ctx context.Context, h fleet.HistoryEntry) error

	Close() error
}
