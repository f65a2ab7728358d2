package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"dronefleet/internal/fleet"
)

// ErrNoDSN is returned by OpenPostgres when no connection string is set.
var ErrNoDSN = errors.New("store: postgres dsn not configured")

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id          INTEGER PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	cluster     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	x           DOUBLE PRECISION NOT NULL,
	y           DOUBLE PRECISION NOT NULL,
	cpu         DOUBLE PRECISION NOT NULL,
	memory      DOUBLE PRECISION NOT NULL,
	bandwidth   DOUBLE PRECISION NOT NULL,
	radius      DOUBLE PRECISION NOT NULL,
	neighbors   BIGINT[] NOT NULL DEFAULT '{}',
	subtasks    TEXT[] NOT NULL DEFAULT '{}',
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS main_tasks (
	id           INTEGER PRIMARY KEY,
	description  TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS sub_tasks (
	task_id       INTEGER NOT NULL,
	id            INTEGER NOT NULL,
	description   TEXT NOT NULL,
	status        TEXT NOT NULL,
	node          TEXT NOT NULL DEFAULT '',
	assigned_at   TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	reassignments INTEGER NOT NULL DEFAULT 0,
	results       TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (task_id, id)
);
CREATE TABLE IF NOT EXISTS task_history (
	seq         BIGSERIAL PRIMARY KEY,
	task_id     INTEGER NOT NULL,
	subtask_id  INTEGER NOT NULL,
	description TEXT NOT NULL,
	operation   TEXT NOT NULL,
	node        TEXT NOT NULL DEFAULT '',
	ts          TIMESTAMPTZ NOT NULL
);`

// Postgres is a Repository backed by PostgreSQL through lib/pq.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, ErrNoDSN
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates missing tables.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) LoadNodes(ctx context.Context) ([]fleet.Node, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, cluster, status, x, y, cpu, memory, bandwidth, radius, neighbors, subtasks, updated_at FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	var out []fleet.Node
	for rows.Next() {
		var (
			n         fleet.Node
			status    string
			neighbors pq.Int64Array
			subtasks  pq.StringArray
		)
		if err := rows.Scan(&n.ID, &n.Name, &n.Cluster, &status, &n.Position.X, &n.Position.Y,
			&n.Metrics.CPU, &n.Metrics.Memory, &n.Metrics.Bandwidth, &n.Radius,
			&neighbors, &subtasks, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Status = fleet.NodeStatus(status)
		n.Neighbors = fromInt64(neighbors)
		if len(subtasks) > 0 {
			n.SubTasks = []string(subtasks)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) LoadTasks(ctx context.Context) ([]fleet.MainTask, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, description, status, created_at, completed_at FROM main_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []fleet.MainTask
	index := make(map[int]int)
	for rows.Next() {
		var (
			t         fleet.MainTask
			status    string
			completed sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Description, &status, &t.CreatedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = fleet.TaskStatus(status)
		t.CompletedAt = completed.Time
		index[t.ID] = len(tasks)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	subRows, err := p.db.QueryContext(ctx, `SELECT task_id, id, description, status, node, assigned_at, completed_at, reassignments, results FROM sub_tasks ORDER BY task_id, id`)
	if err != nil {
		return nil, fmt.Errorf("load subtasks: %w", err)
	}
	defer subRows.Close()
	for subRows.Next() {
		var (
			s                   fleet.SubTask
			status              string
			assigned, completed sql.NullTime
			results             pq.StringArray
		)
		if err := subRows.Scan(&s.TaskID, &s.ID, &s.Description, &status, &s.Node, &assigned, &completed, &s.Reassignments, &results); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		s.Status = fleet.TaskStatus(status)
		s.AssignedAt = assigned.Time
		s.CompletedAt = completed.Time
		if len(results) > 0 {
			s.Results = []string(results)
		}
		i, ok := index[s.TaskID]
		if !ok {
			continue
		}
		tasks[i].SubTasks = append(tasks[i].SubTasks, s)
	}
	return tasks, subRows.Err()
}

func (p *Postgres) LoadHistory(ctx context.Context) ([]fleet.HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT task_id, subtask_id, description, operation, node, ts FROM task_history ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()
	var out []fleet.HistoryEntry
	for rows.Next() {
		var h fleet.HistoryEntry
		if err := rows.Scan(&h.TaskID, &h.SubTaskID, &h.Description, &h.Operation, &h.Node, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveNode(ctx context.Context, n fleet.Node) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO nodes (id, name, cluster, status, x, y, cpu, memory, bandwidth, radius, neighbors, subtasks, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name, cluster = EXCLUDED.cluster, status = EXCLUDED.status,
	x = EXCLUDED.x, y = EXCLUDED.y, cpu = EXCLUDED.cpu, memory = EXCLUDED.memory,
	bandwidth = EXCLUDED.bandwidth, radius = EXCLUDED.radius, neighbors = EXCLUDED.neighbors,
	subtasks = EXCLUDED.subtasks, updated_at = EXCLUDED.updated_at`,
		n.ID, n.Name, n.Cluster, string(n.Status), n.Position.X, n.Position.Y,
		n.Metrics.CPU, n.Metrics.Memory, n.Metrics.Bandwidth, n.Radius,
		pq.Int64Array(toInt64(n.Neighbors)), pq.StringArray(orEmpty(n.SubTasks)), n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save node %s: %w", n.Name, err)
	}
	return nil
}

func (p *Postgres) DeleteNode(ctx context.Context, id int) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete node %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) SaveTask(ctx context.Context, t fleet.MainTask) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO main_tasks (id, description, status, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	description = EXCLUDED.description, status = EXCLUDED.status, completed_at = EXCLUDED.completed_at`,
		t.ID, t.Description, string(t.Status), t.CreatedAt, nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task %d: %w", t.ID, err)
	}
	return nil
}

func (p *Postgres) SaveSubTask(ctx context.Context, s fleet.SubTask) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO sub_tasks (task_id, id, description, status, node, assigned_at, completed_at, reassignments, results)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (task_id, id) DO UPDATE SET
	description = EXCLUDED.description, status = EXCLUDED.status, node = EXCLUDED.node,
	assigned_at = EXCLUDED.assigned_at, completed_at = EXCLUDED.completed_at,
	reassignments = EXCLUDED.reassignments, results = EXCLUDED.results`,
		s.TaskID, s.ID, s.Description, string(s.Status), s.Node,
		nullTime(s.AssignedAt), nullTime(s.CompletedAt), s.Reassignments, pq.StringArray(orEmpty(s.Results)))
	if err != nil {
		return fmt.Errorf("save subtask %d/%d: %w", s.TaskID, s.ID, err)
	}
	return nil
}

func (p *Postgres) AppendHistory(ctx context.Context, h fleet.HistoryEntry) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO task_history (task_id, subtask_id, description, operation, node, ts)
VALUES ($1, $2, $3, $4, $5, $6)`,
		h.TaskID, h.SubTaskID, h.Description, h.Operation, h.Node, h.Timestamp)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func toInt64(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func fromInt64(ids []int64) []int {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
