// Package fleet holds the node and task types shared by the registry,
// ledger and sinks, plus the distance metrics used for adjacency.
package fleet

import (
	"slices"
	"time"
)

// NodeStatus is the lifecycle state of a drone.
type NodeStatus string

// Node status constants.
const (
	StatusIdle      NodeStatus = "idle"
	StatusInMission NodeStatus = "in_mission"
	StatusOffline   NodeStatus = "offline"
)

// Position is a planar coordinate. For the haversine metric X is the
// longitude and Y the latitude.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Metrics holds the instantaneous load reported for a drone.
type Metrics struct {
	CPU       float64 `json:"cpu"`
	Memory    float64 `json:"memory"`
	Bandwidth float64 `json:"bandwidth"`
}

// Node holds the registry state for one drone.
type Node struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	Cluster   string     `json:"cluster,omitempty"`
	Status    NodeStatus `json:"status"`
	Position  Position   `json:"position"`
	Metrics   Metrics    `json:"metrics"`
	Radius    float64    `json:"radius"`
	Neighbors []int      `json:"neighbors"`
	SubTasks  []string   `json:"subtasks"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	n.Neighbors = slices.Clone(n.Neighbors)
	n.SubTasks = slices.Clone(n.SubTasks)
	return n
}

// Online reports whether the node takes part in the adjacency graph.
func (n Node) Online() bool {
	return n.Status != StatusOffline
}

// HasNeighbor reports whether id is in the node's adjacency set.
func (n Node) HasNeighbor(id int) bool {
	_, found := slices.BinarySearch(n.Neighbors, id)
	return found
}

// TaskStatus is the lifecycle state of a main task or subtask.
type TaskStatus string

// Task status constants.
const (
	TaskCreated   TaskStatus = "created"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
)

// SubTask is one independently assignable piece of a main task.
type SubTask struct {
	ID            int        `json:"id"`
	TaskID        int        `json:"task_id"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	Node          string     `json:"node,omitempty"`
	AssignedAt    time.Time  `json:"assigned_at"`
	CompletedAt   time.Time  `json:"completed_at"`
	Reassignments int        `json:"reassignments"`
	Results       []string   `json:"results,omitempty"`
}

// Clone returns a deep copy of s.
func (s SubTask) Clone() SubTask {
	s.Results = slices.Clone(s.Results)
	return s
}

// MainTask is a unit of work split into subtasks.
type MainTask struct {
	ID          int        `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt time.Time  `json:"completed_at"`
	SubTasks    []SubTask  `json:"subtasks"`
}

// Clone returns a deep copy of t including its subtasks.
func (t MainTask) Clone() MainTask {
	subs := make([]SubTask, len(t.SubTasks))
	for i, s := range t.SubTasks {
		subs[i] = s.Clone()
	}
	t.SubTasks = subs
	return t
}

// Operation labels recorded in the history trail.
const (
	OpAssign   = "assign"
	OpUnload   = "unload"
	OpReload   = "reload"
	OpComplete = "complete"
)

// HistoryEntry records one subtask transition. Entries are never mutated.
type HistoryEntry struct {
	Description string    `json:"description"`
	TaskID      int       `json:"task_id"`
	SubTaskID   int       `json:"subtask_id"`
	Operation   string    `json:"operation"`
	Node        string    `json:"node,omitempty"`
	Timestamp   time.Time `json:"ts"`
}
