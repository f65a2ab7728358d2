package dispatch

import (
	"errors"
	"fmt"
	"strconv"

	"dronefleet/internal/fleet"
	"dronefleet/internal/protocol"
)

var errNoRows = errors.New("report has no rows")

// nodeInfo reconciles a full node report. Wire ids are ignored; names are
// the join key.
func (d *Dispatcher) nodeInfo(env protocol.Envelope) error {
	f, err := env.Fields()
	if err != nil {
		return err
	}
	names := f.Strings("name")
	if len(names) == 0 {
		return errNoRows
	}
	xs, ys := f.Floats("x"), f.Floats("y")
	cpu, mem, bw := f.Floats("cpu"), f.Floats("memory"), f.Floats("bandwidth")
	radius := f.Floats("radius")
	status := f.Strings("status")

	batch := make([]fleet.Node, 0, len(names))
	for i, name := range names {
		if name == "" {
			d.log.Warn("node report row without name", "tag", env.Type, "row", i)
			continue
		}
		batch = append(batch, fleet.Node{
			Name:     name,
			Status:   parseNodeStatus(protocol.At(status, i)),
			Position: fleet.Position{X: protocol.At(xs, i), Y: protocol.At(ys, i)},
			Metrics: fleet.Metrics{
				CPU:       protocol.At(cpu, i),
				Memory:    protocol.At(mem, i),
				Bandwidth: protocol.At(bw, i),
			},
			Radius: protocol.At(radius, i),
		})
	}
	res := d.nodes.Refresh(batch)
	d.log.Debug("node report applied", "nodes", len(batch), "added", len(res.Added), "updated", len(res.Updated), "offline", len(res.Offline))
	return nil
}

func parseNodeStatus(s string) fleet.NodeStatus {
	switch st := fleet.NodeStatus(s); st {
	case fleet.StatusIdle, fleet.StatusInMission, fleet.StatusOffline:
		return st
	}
	return ""
}

func (d *Dispatcher) clusterInfo(env protocol.Envelope) error {
	f, err := env.Fields()
	if err != nil {
		return err
	}
	clusters, nodes := f.Strings("cluster"), f.Strings("node")
	if len(nodes) == 0 {
		return errNoRows
	}
	labels := make(map[string]string, len(nodes))
	for i, n := range nodes {
		if n != "" {
			labels[n] = protocol.At(clusters, i)
		}
	}
	d.nodes.SetClusters(labels)
	return nil
}

func (d *Dispatcher) tasksInfo(env protocol.Envelope) error {
	f, err := env.Fields()
	if err != nil {
		return err
	}
	ids := f.Ints("task_id")
	if len(ids) == 0 {
		return errNoRows
	}
	desc, status := f.Strings("description"), f.Strings("status")
	for i, id := range ids {
		if id <= 0 {
			d.log.Warn("task row without id", "tag", env.Type, "row", i)
			continue
		}
		d.tasks.AddTask(fleet.MainTask{
			ID:          id,
			Description: protocol.At(desc, i),
			Status:      fleet.TaskStatus(protocol.At(status, i)),
		})
	}
	return nil
}

// subTasksInfo creates unknown subtasks and brings assignment and
// completion in line with the report.
func (d *Dispatcher) subTasksInfo(env protocol.Envelope) error {
	f, err := env.Fields()
	if err != nil {
		return err
	}
	names := f.Strings("subtask_name")
	if len(names) == 0 {
		return errNoRows
	}
	nodes, status := f.Strings("node"), f.Strings("status")
	for i, name := range names {
		taskID, ok := fleet.TaskIDFromSubTask(name)
		if !ok {
			d.log.Warn("malformed subtask name", "subtask", name)
			continue
		}
		sub, ok := d.tasks.Lookup(taskID, name)
		if !ok {
			sub, ok = d.tasks.AddSubTask(taskID, fleet.SubTask{Description: name})
			if !ok {
				d.log.Warn("subtask for unknown task", "task_id", taskID, "subtask", name)
				continue
			}
		}
		d.syncSubTask(taskID, sub, protocol.At(nodes, i), fleet.TaskStatus(protocol.At(status, i)))
	}
	return nil
}

func (d *Dispatcher) syncSubTask(taskID int, sub fleet.SubTask, node string, status fleet.TaskStatus) {
	if status == fleet.TaskCompleted {
		if d.tasks.Complete(taskID, sub.Description) && sub.Node != "" {
			d.nodes.DetachSubTask(sub.Node, sub.Description)
		}
		return
	}
	if node == "" || sub.Status == fleet.TaskCompleted {
		return
	}
	switch {
	case sub.Node == "":
		if d.tasks.Assign(taskID, sub.ID, node) {
			d.nodes.AttachSubTask(node, sub.Description)
		}
	case sub.Node != node:
		if d.tasks.Reload(taskID, sub.ID, node) {
			d.nodes.MoveSubTask(sub.Node, node, sub.Description)
		}
	}
}

// reassignInfo moves each reported subtask from its failed node to its
// replacement in both the ledger and the registry.
func (d *Dispatcher) reassignInfo(env protocol.Envelope) error {
	f, err := env.Fields()
	if err != nil {
		return err
	}
	subs := f.Strings("subtask_name")
	if len(subs) == 0 {
		return errNoRows
	}
	olds, tasks, news := f.Strings("old_node"), f.Strings("task_name"), f.Strings("new_node")
	for i, sub := range subs {
		taskID, ok := taskIDFor(protocol.At(tasks, i), sub)
		if !ok {
			d.log.Warn("reassign without task id", "subtask", sub)
			continue
		}
		oldNode, newNode := protocol.At(olds, i), protocol.At(news, i)
		if newNode == "" {
			d.log.Warn("reassign without target node", "task_id", taskID, "subtask", sub)
			continue
		}
		prev, ok := d.tasks.Reassign(taskID, sub, oldNode, newNode)
		if !ok {
			d.log.Warn("reassign for unknown subtask", "task_id", taskID, "subtask", sub)
			continue
		}
		// The ledger's record wins when the report names a different source.
		if prev != "" && prev != oldNode && prev != newNode {
			d.nodes.DetachSubTask(prev, sub)
		}
		d.nodes.MoveSubTask(oldNode, newNode, sub)
	}
	return nil
}

func taskIDFor(taskName, subtask string) (int, bool) {
	if id, err := strconv.Atoi(taskName); err == nil && id > 0 {
		return id, true
	}
	if id, ok := fleet.TaskIDFromSubTask(taskName); ok {
		return id, true
	}
	return fleet.TaskIDFromSubTask(subtask)
}

// taskInfo is a single completion notice.
func (d *Dispatcher) taskInfo(env protocol.Envelope) error {
	var msg struct {
		SubTaskName string `json:"subtask_name"`
	}
	if err := env.Decode(&msg); err != nil {
		return err
	}
	taskID, ok := fleet.TaskIDFromSubTask(msg.SubTaskName)
	if !ok {
		return fmt.Errorf("malformed subtask name %q", msg.SubTaskName)
	}
	sub, found := d.tasks.Lookup(taskID, msg.SubTaskName)
	if !d.tasks.Complete(taskID, msg.SubTaskName) {
		d.log.Warn("completion for unknown or finished subtask", "task_id", taskID, "subtask", msg.SubTaskName)
		return nil
	}
	if found && sub.Node != "" {
		d.nodes.DetachSubTask(sub.Node, sub.Description)
	}
	return nil
}
