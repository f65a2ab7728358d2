// Package ledger tracks main tasks, their subtasks and the audit trail of
// every subtask transition.
//
// Subtasks move Created -> Running -> Completed, with Running -> Created on
// unload and Created -> Running on reload. Every lookup miss is a no-op that
// reports false; nothing here returns an error for stale upstream events.
package ledger

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"dronefleet/internal/fleet"
	"dronefleet/internal/notify"
)

// Stats summarizes the ledger for status endpoints.
type Stats struct {
	Tasks     int `json:"tasks"`
	SubTasks  int `json:"subtasks"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	History   int `json:"history"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher sets where change events go.
func WithPublisher(p notify.Publisher) Option {
	return func(l *Ledger) {
		if p != nil {
			l.pub = p
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// Ledger owns every task. Like the registry it runs a single goroutine
// that applies operations in submission order.
type Ledger struct {
	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	pub notify.Publisher
	now func() time.Time
	log *slog.Logger

	tasks    map[int]*fleet.MainTask
	history  []fleet.HistoryEntry
	nextTask int
}

// New starts a ledger. Call Close to stop its goroutine.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		ops:      make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		pub:      notify.Discard,
		now:      time.Now,
		log:      slog.Default(),
		tasks:    make(map[int]*fleet.MainTask),
		nextTask: 1,
	}
	for _, o := range opts {
		o(l)
	}
	go l.loop()
	return l
}

func (l *Ledger) loop() {
	defer close(l.done)
	for {
		select {
		case op := <-l.ops:
			l.run(op)
		case <-l.quit:
			return
		}
	}
}

func (l *Ledger) run(op func()) {
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("ledger operation panicked", "panic", p)
		}
	}()
	op()
}

func (l *Ledger) do(fn func()) bool {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.ops <- op:
	case <-l.quit:
		return false
	}
	<-finished
	return true
}

// Close stops the owner goroutine.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		<-l.done
	})
}

// AddTask inserts t or, when a task with the same id exists, updates its
// description. A zero id gets the next free one. Subtasks carried by t are
// added with AddSubTask semantics.
func (l *Ledger) AddTask(t fleet.MainTask) fleet.MainTask {
	var out fleet.MainTask
	l.do(func() {
		if t.ID <= 0 {
			t.ID = l.nextTask
		}
		if t.ID >= l.nextTask {
			l.nextTask = t.ID + 1
		}
		task, exists := l.tasks[t.ID]
		if !exists {
			task = &fleet.MainTask{
				ID:          t.ID,
				Description: t.Description,
				Status:      t.Status,
				CreatedAt:   t.CreatedAt,
			}
			if task.Status == "" {
				task.Status = fleet.TaskCreated
			}
			if task.CreatedAt.IsZero() {
				task.CreatedAt = l.now()
			}
			l.tasks[t.ID] = task
		} else {
			if t.Description != "" {
				task.Description = t.Description
			}
			if t.Status != "" && len(task.SubTasks) == 0 {
				task.Status = t.Status
			}
		}
		for _, s := range t.SubTasks {
			l.addSubTask(task, s)
		}
		l.derive(task)
		l.publishTask(actionFor(exists), task)
		out = task.Clone()
	})
	return out
}

func actionFor(existed bool) notify.Action {
	if existed {
		return notify.ActionUpdated
	}
	return notify.ActionAdded
}

// AddSubTask attaches s to task taskID. A zero s.ID gets the next id within
// the task. It returns false if the task is unknown or the id is taken.
func (l *Ledger) AddSubTask(taskID int, s fleet.SubTask) (fleet.SubTask, bool) {
	var (
		out fleet.SubTask
		ok  bool
	)
	l.do(func() {
		task, exists := l.tasks[taskID]
		if !exists {
			return
		}
		var sub *fleet.SubTask
		if sub, ok = l.addSubTask(task, s); ok {
			l.derive(task)
			out = sub.Clone()
		}
	})
	return out, ok
}

func (l *Ledger) addSubTask(task *fleet.MainTask, s fleet.SubTask) (*fleet.SubTask, bool) {
	if s.ID <= 0 {
		for _, existing := range task.SubTasks {
			s.ID = max(s.ID, existing.ID)
		}
		s.ID++
	}
	if findByID(task, s.ID) != nil {
		return nil, false
	}
	s.TaskID = task.ID
	if s.Status == "" {
		s.Status = fleet.TaskCreated
	}
	s.Results = slices.Clone(s.Results)
	task.SubTasks = append(task.SubTasks, s)
	sub := &task.SubTasks[len(task.SubTasks)-1]
	l.publishSub(notify.ActionAdded, sub)
	return sub, true
}

// Assign puts a subtask on node and marks it running.
func (l *Ledger) Assign(taskID, subTaskID int, node string) bool {
	var ok bool
	l.do(func() {
		task, sub := l.find(taskID, subTaskID)
		if sub == nil {
			return
		}
		l.start(task, sub, node, fleet.OpAssign)
		ok = true
	})
	return ok
}

// Unload takes a subtask off its node and returns it to created.
func (l *Ledger) Unload(taskID, subTaskID int) bool {
	var ok bool
	l.do(func() {
		task, sub := l.find(taskID, subTaskID)
		if sub == nil {
			return
		}
		l.unload(task, sub)
		ok = true
	})
	return ok
}

// Reload assigns a subtask to node, normally a different one. A subtask
// still running elsewhere is unloaded first. The reassignment counter is
// incremented.
func (l *Ledger) Reload(taskID, subTaskID int, node string) bool {
	var ok bool
	l.do(func() {
		task, sub := l.find(taskID, subTaskID)
		if sub == nil {
			return
		}
		l.reload(task, sub, node)
		ok = true
	})
	return ok
}

// Complete marks the subtask named description as completed. The subtask
// need not be running. Completing an already completed subtask is a no-op
// and reports false.
func (l *Ledger) Complete(taskID int, description string) bool {
	var ok bool
	l.do(func() {
		task, exists := l.tasks[taskID]
		if !exists {
			return
		}
		sub := findByDescription(task, description)
		if sub == nil || sub.Status == fleet.TaskCompleted {
			return
		}
		sub.Status = fleet.TaskCompleted
		sub.CompletedAt = l.now()
		l.record(sub, fleet.OpComplete, sub.Node)
		l.publishSub(notify.ActionUpdated, sub)
		l.derive(task)
		ok = true
	})
	return ok
}

// Reassign moves the subtask named description from oldNode to newNode as
// one unload followed by one reload. It returns the node the ledger had on
// record before the move, which may differ from oldNode.
func (l *Ledger) Reassign(taskID int, description, oldNode, newNode string) (string, bool) {
	var (
		prev string
		ok   bool
	)
	l.do(func() {
		task, exists := l.tasks[taskID]
		if !exists {
			return
		}
		sub := findByDescription(task, description)
		if sub == nil {
			return
		}
		if sub.Node != "" && oldNode != "" && sub.Node != oldNode {
			l.log.Warn("reassign source differs from ledger", "task_id", taskID, "subtask", description, "ledger_node", sub.Node, "reported_node", oldNode)
		}
		prev = sub.Node
		l.reload(task, sub, newNode)
		ok = true
	})
	return prev, ok
}

// Lookup returns the subtask named description.
func (l *Ledger) Lookup(taskID int, description string) (fleet.SubTask, bool) {
	var (
		out fleet.SubTask
		ok  bool
	)
	l.do(func() {
		if task, exists := l.tasks[taskID]; exists {
			if sub := findByDescription(task, description); sub != nil {
				out, ok = sub.Clone(), true
			}
		}
	})
	return out, ok
}

// Tasks returns every task ordered by id.
func (l *Ledger) Tasks() []fleet.MainTask {
	var out []fleet.MainTask
	l.do(func() {
		for _, id := range slices.Sorted(maps.Keys(l.tasks)) {
			out = append(out, l.tasks[id].Clone())
		}
	})
	return out
}

// Task returns one task with its subtasks.
func (l *Ledger) Task(id int) (fleet.MainTask, bool) {
	var (
		out fleet.MainTask
		ok  bool
	)
	l.do(func() {
		if t, exists := l.tasks[id]; exists {
			out, ok = t.Clone(), true
		}
	})
	return out, ok
}

// SubTasks returns the subtasks of task id, or nil if it is unknown.
func (l *Ledger) SubTasks(taskID int) []fleet.SubTask {
	var out []fleet.SubTask
	l.do(func() {
		if t, exists := l.tasks[taskID]; exists {
			out = t.Clone().SubTasks
		}
	})
	return out
}

// History returns the full audit trail in append order.
func (l *Ledger) History() []fleet.HistoryEntry {
	var out []fleet.HistoryEntry
	l.do(func() { out = slices.Clone(l.history) })
	return out
}

// HistoryFor returns the entries of one main task.
func (l *Ledger) HistoryFor(taskID int) []fleet.HistoryEntry {
	var out []fleet.HistoryEntry
	l.do(func() {
		for _, h := range l.history {
			if h.TaskID == taskID {
				out = append(out, h)
			}
		}
	})
	return out
}

// Stats counts tasks and subtasks.
func (l *Ledger) Stats() Stats {
	var s Stats
	l.do(func() {
		s.Tasks = len(l.tasks)
		s.History = len(l.history)
		for _, t := range l.tasks {
			for _, sub := range t.SubTasks {
				s.SubTasks++
				switch sub.Status {
				case fleet.TaskRunning:
					s.Running++
				case fleet.TaskCompleted:
					s.Completed++
				}
			}
		}
	})
	return s
}

// Restore replaces the ledger with persisted tasks and history. No events
// are published.
func (l *Ledger) Restore(tasks []fleet.MainTask, history []fleet.HistoryEntry) {
	l.do(func() {
		l.tasks = make(map[int]*fleet.MainTask, len(tasks))
		l.nextTask = 1
		for _, t := range tasks {
			if t.ID <= 0 {
				continue
			}
			c := t.Clone()
			for i := range c.SubTasks {
				c.SubTasks[i].TaskID = c.ID
			}
			l.tasks[c.ID] = &c
			l.nextTask = max(l.nextTask, c.ID+1)
		}
		l.history = slices.Clone(history)
	})
}

func (l *Ledger) find(taskID, subTaskID int) (*fleet.MainTask, *fleet.SubTask) {
	task, exists := l.tasks[taskID]
	if !exists {
		return nil, nil
	}
	return task, findByID(task, subTaskID)
}

func findByID(task *fleet.MainTask, id int) *fleet.SubTask {
	for i := range task.SubTasks {
		if task.SubTasks[i].ID == id {
			return &task.SubTasks[i]
		}
	}
	return nil
}

func findByDescription(task *fleet.MainTask, description string) *fleet.SubTask {
	for i := range task.SubTasks {
		if task.SubTasks[i].Description == description {
			return &task.SubTasks[i]
		}
	}
	return nil
}

func (l *Ledger) start(task *fleet.MainTask, sub *fleet.SubTask, node, op string) {
	sub.Node = node
	sub.Status = fleet.TaskRunning
	sub.AssignedAt = l.now()
	sub.CompletedAt = time.Time{}
	l.record(sub, op, node)
	l.publishSub(notify.ActionUpdated, sub)
	l.derive(task)
}

func (l *Ledger) unload(task *fleet.MainTask, sub *fleet.SubTask) {
	prev := sub.Node
	sub.Node = ""
	sub.Status = fleet.TaskCreated
	sub.AssignedAt = time.Time{}
	sub.CompletedAt = time.Time{}
	l.record(sub, fleet.OpUnload, prev)
	l.publishSub(notify.ActionUpdated, sub)
	l.derive(task)
}

func (l *Ledger) reload(task *fleet.MainTask, sub *fleet.SubTask, node string) {
	if sub.Status == fleet.TaskRunning {
		l.unload(task, sub)
	}
	sub.Reassignments++
	l.start(task, sub, node, fleet.OpReload)
}

func (l *Ledger) record(sub *fleet.SubTask, op, node string) {
	entry := fleet.HistoryEntry{
		Description: sub.Description,
		TaskID:      sub.TaskID,
		SubTaskID:   sub.ID,
		Operation:   op,
		Node:        node,
		Timestamp:   l.now(),
	}
	l.history = append(l.history, entry)
	l.pub.Publish(notify.Event{
		Kind:      notify.KindHistory,
		Action:    notify.ActionAdded,
		ID:        sub.ID,
		Entity:    entry,
		Timestamp: entry.Timestamp.UTC(),
	})
}

// derive sets the main task status from its subtasks: running once any
// subtask has started, completed once all have.
func (l *Ledger) derive(task *fleet.MainTask) {
	if len(task.SubTasks) == 0 {
		return
	}
	completed, started := 0, 0
	for _, s := range task.SubTasks {
		switch s.Status {
		case fleet.TaskCompleted:
			completed++
			started++
		case fleet.TaskRunning:
			started++
		}
	}
	status := fleet.TaskCreated
	switch {
	case completed == len(task.SubTasks):
		status = fleet.TaskCompleted
	case started > 0:
		status = fleet.TaskRunning
	}
	if status == task.Status {
		return
	}
	task.Status = status
	if status == fleet.TaskCompleted {
		task.CompletedAt = l.now()
	} else {
		task.CompletedAt = time.Time{}
	}
	l.publishTask(notify.ActionUpdated, task)
}

func (l *Ledger) publishTask(action notify.Action, task *fleet.MainTask) {
	l.pub.Publish(notify.Event{
		Kind:      notify.KindTask,
		Action:    action,
		ID:        task.ID,
		Entity:    task.Clone(),
		Timestamp: l.now().UTC(),
	})
}

func (l *Ledger) publishSub(action notify.Action, sub *fleet.SubTask) {
	l.pub.Publish(notify.Event{
		Kind:      notify.KindSubTask,
		Action:    action,
		ID:        sub.ID,
		Entity:    sub.Clone(),
		Timestamp: l.now().UTC(),
	})
}
