// Package dispatch routes decoded envelopes to the registry and ledger by
// their type tag.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"dronefleet/internal/fleet"
	"dronefleet/internal/protocol"
	"dronefleet/internal/registry"
)

// HandlerFunc handles one envelope. A returned error is logged; it never
// reaches the receive loop.
type HandlerFunc func(env protocol.Envelope) error

// Nodes is the part of the registry the handlers drive.
type Nodes interface {
	Refresh(batch []fleet.Node) registry.RefreshResult
	SetClusters(labels map[string]string) int
	AttachSubTask(node, subtask string) bool
	DetachSubTask(node, subtask string) bool
	MoveSubTask(from, to, subtask string) bool
}

// Tasks is the part of the ledger the handlers drive.
type Tasks interface {
	AddTask(t fleet.MainTask) fleet.MainTask
	AddSubTask(taskID int, s fleet.SubTask) (fleet.SubTask, bool)
	Lookup(taskID int, description string) (fleet.SubTask, bool)
	Assign(taskID, subTaskID int, node string) bool
	Reload(taskID, subTaskID int, node string) bool
	Complete(taskID int, description string) bool
	Reassign(taskID int, description, oldNode, newNode string) (string, bool)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMeter sets the meter used for the message counter.
func WithMeter(m metric.Meter) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.meter = m
		}
	}
}

// Dispatcher maps type tags to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	nodes    Nodes
	tasks    Tasks
	log      *slog.Logger
	meter    metric.Meter
	messages metric.Int64Counter
}

// New returns a dispatcher with handlers for every inbound tag.
func New(nodes Nodes, tasks Tasks, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		nodes:    nodes,
		tasks:    tasks,
		log:      slog.Default(),
		meter:    otel.Meter("dronefleet/dispatch"),
	}
	for _, o := range opts {
		o(d)
	}
	var err error
	d.messages, err = d.meter.Int64Counter("dispatch.messages", metric.WithDescription("Inbound envelopes by type tag"))
	if err != nil {
		otel.Handle(err)
	}

	d.Register(protocol.TagAnsNodeInfo, d.nodeInfo)
	d.Register(protocol.TagClusterInfo, d.clusterInfo)
	d.Register(protocol.TagTasksInfo, d.tasksInfo)
	d.Register(protocol.TagSubTasksInfo, d.subTasksInfo)
	d.Register(protocol.TagReassignInfo, d.reassignInfo)
	d.Register(protocol.TagTaskInfo, d.taskInfo)
	return d
}

// Register installs h for tag, replacing any existing handler.
func (d *Dispatcher) Register(tag string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tag] = h
}

// Dispatch runs the handler for env.Type. It reports whether the envelope
// was handled without error; unknown tags, handler errors and panics are
// logged.
func (d *Dispatcher) Dispatch(env protocol.Envelope) (ok bool) {
	d.mu.RLock()
	h, found := d.handlers[env.Type]
	d.mu.RUnlock()

	d.messages.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tag", env.Type)))
	if !found {
		d.log.Warn("dropping envelope with unknown tag", "tag", env.Type)
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", "tag", env.Type, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	if err := h(env); err != nil {
		d.log.Warn("handler failed", "tag", env.Type, "err", err)
		return false
	}
	return true
}

// Handle is Dispatch without the result, usable as an uplink handler.
func (d *Dispatcher) Handle(env protocol.Envelope) {
	d.Dispatch(env)
}
