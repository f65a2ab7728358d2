package sink

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"dronefleet/internal/fleet"
	"dronefleet/internal/notify"
)

// Table names written by Greptime.
const (
	NodeTable    = "drone_nodes"
	HistoryTable = "subtask_history"
)

const defaultGreptimePort = 4001

type greptimeClient interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

// Greptime writes node telemetry and subtask history rows to GreptimeDB.
// Task and subtask snapshots are not written; the history table carries
// every transition.
type Greptime struct {
	client  greptimeClient
	fleetID string
	log     *slog.Logger
}

// NewGreptime connects to endpoint ("host" or "host:port") and writes into
// database. Rows are tagged with fleetID.
func NewGreptime(endpoint, database, fleetID string, log *slog.Logger) (*Greptime, error) {
	host, port, err := splitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	cfg := greptime.NewConfig(host).WithPort(port).WithDatabase(database)
	client, err := greptime.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("greptime client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Greptime{client: client, fleetID: fleetID, log: log}, nil
}

func splitEndpoint(endpoint string) (string, int, error) {
	if endpoint == "" {
		return "", 0, fmt.Errorf("greptime endpoint is empty")
	}
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, defaultGreptimePort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("greptime endpoint %q: bad port", endpoint)
	}
	return host, port, nil
}

// Write converts node and history events into rows.
func (g *Greptime) Write(ctx context.Context, ev notify.Event) error {
	var (
		tbl *table.Table
		err error
	)
	switch e := ev.Entity.(type) {
	case fleet.Node:
		tbl, err = g.nodeTable(e, ev)
	case fleet.HistoryEntry:
		tbl, err = g.historyTable(e)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := g.client.Write(ctx, tbl); err != nil {
		return fmt.Errorf("greptime write %s: %w", ev.Kind, err)
	}
	g.log.Debug("greptime row written", "kind", ev.Kind, "id", ev.ID)
	return nil
}

func (g *Greptime) nodeTable(n fleet.Node, ev notify.Event) (*table.Table, error) {
	tbl, err := table.New(NodeTable)
	if err != nil {
		return nil, err
	}
	tbl.AddTagColumn("fleet_id", types.STRING)
	tbl.AddTagColumn("node", types.STRING)
	tbl.AddFieldColumn("cluster", types.STRING)
	tbl.AddFieldColumn("status", types.STRING)
	tbl.AddFieldColumn("action", types.STRING)
	tbl.AddFieldColumn("x", types.FLOAT64)
	tbl.AddFieldColumn("y", types.FLOAT64)
	tbl.AddFieldColumn("cpu", types.FLOAT64)
	tbl.AddFieldColumn("memory", types.FLOAT64)
	tbl.AddFieldColumn("bandwidth", types.FLOAT64)
	tbl.AddFieldColumn("radius", types.FLOAT64)
	tbl.AddFieldColumn("neighbors", types.INT64)
	tbl.AddFieldColumn("subtasks", types.INT64)
	tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND)

	err = tbl.AddRow(g.fleetID, n.Name, n.Cluster, string(n.Status), string(ev.Action),
		n.Position.X, n.Position.Y, n.Metrics.CPU, n.Metrics.Memory, n.Metrics.Bandwidth, n.Radius,
		int64(len(n.Neighbors)), int64(len(n.SubTasks)), ev.Timestamp)
	return tbl, err
}

func (g *Greptime) historyTable(h fleet.HistoryEntry) (*table.Table, error) {
	tbl, err := table.New(HistoryTable)
	if err != nil {
		return nil, err
	}
	tbl.AddTagColumn("fleet_id", types.STRING)
	tbl.AddTagColumn("task_id", types.STRING)
	tbl.AddFieldColumn("subtask_id", types.INT64)
	tbl.AddFieldColumn("description", types.STRING)
	tbl.AddFieldColumn("operation", types.STRING)
	tbl.AddFieldColumn("node", types.STRING)
	tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND)

	err = tbl.AddRow(g.fleetID, strconv.Itoa(h.TaskID), int64(h.SubTaskID), h.Description, h.Operation, h.Node, h.Timestamp)
	return tbl, err
}

// Close is a no-op; the ingester client holds no resources that need
// releasing before process exit.
func (g *Greptime) Close() error { return nil }
