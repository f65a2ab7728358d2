package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronefleet/internal/fleet"
	"dronefleet/internal/notify"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(append([]Option{WithClock(c.Now)}, opts...)...)
	t.Cleanup(l.Close)
	return l
}

// seed creates task 1 with subtasks 1_0_0 (id 1) and 1_0_1 (id 2).
func seed(t *testing.T, l *Ledger) {
	t.Helper()
	l.AddTask(fleet.MainTask{ID: 1, Description: "survey.mp4"})
	_, ok := l.AddSubTask(1, fleet.SubTask{Description: "1_0_0"})
	require.True(t, ok)
	_, ok = l.AddSubTask(1, fleet.SubTask{Description: "1_0_1"})
	require.True(t, ok)
}

func ops(entries []fleet.HistoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Operation + "(" + e.Node + ")"
	}
	return out
}

func TestAssignThenReload(t *testing.T) {
	l := newLedger(t)
	seed(t, l)

	require.True(t, l.Assign(1, 1, "A"))
	require.True(t, l.Reload(1, 1, "B"))

	assert.Equal(t, []string{"assign(A)", "unload(A)", "reload(B)"}, ops(l.History()))
	sub, ok := l.Lookup(1, "1_0_0")
	require.True(t, ok)
	assert.Equal(t, 1, sub.Reassignments)
	assert.Equal(t, "B", sub.Node)
	assert.Equal(t, fleet.TaskRunning, sub.Status)
}

func TestAssignUnknownMutatesNothing(t *testing.T) {
	l := newLedger(t)
	seed(t, l)
	before, _ := l.Task(1)

	assert.False(t, l.Assign(1, 99, "A"))
	assert.False(t, l.Assign(42, 1, "A"))
	assert.False(t, l.Unload(1, 99))
	assert.False(t, l.Reload(7, 1, "A"))

	after, _ := l.Task(1)
	assert.Equal(t, before, after)
	assert.Empty(t, l.History())
}

func TestUnloadClearsAssignment(t *testing.T) {
	l := newLedger(t)
	seed(t, l)
	l.Assign(1, 2, "A")
	require.True(t, l.Unload(1, 2))

	subs := l.SubTasks(1)
	require.Len(t, subs, 2)
	assert.Equal(t, fleet.TaskCreated, subs[1].Status)
	assert.Empty(t, subs[1].Node)
	assert.True(t, subs[1].AssignedAt.IsZero())

	task, _ := l.Task(1)
	assert.Equal(t, fleet.TaskCreated, task.Status)
}

func TestCompleteWithoutRunning(t *testing.T) {
	l := newLedger(t)
	seed(t, l)
	assert.True(t, l.Complete(1, "1_0_1"))
	assert.False(t, l.Complete(1, "1_0_1"), "second completion is a no-op")
	assert.False(t, l.Complete(1, "missing"))
	assert.False(t, l.Complete(3, "1_0_1"))

	sub, _ := l.Lookup(1, "1_0_1")
	assert.Equal(t, fleet.TaskCompleted, sub.Status)
	assert.False(t, sub.CompletedAt.IsZero())
	assert.Equal(t, []string{"complete()"}, ops(l.History()))
}

func TestMainTaskStatusFollowsSubTasks(t *testing.T) {
	l := newLedger(t)
	seed(t, l)

	task, _ := l.Task(1)
	assert.Equal(t, fleet.TaskCreated, task.Status)

	l.Assign(1, 1, "A")
	task, _ = l.Task(1)
	assert.Equal(t, fleet.TaskRunning, task.Status)

	l.Complete(1, "1_0_0")
	l.Complete(1, "1_0_1")
	task, _ = l.Task(1)
	assert.Equal(t, fleet.TaskCompleted, task.Status)
	assert.False(t, task.CompletedAt.IsZero())
}

func TestReassign(t *testing.T) {
	l := newLedger(t)
	seed(t, l)
	l.Assign(1, 1, "A")
	prev, ok := l.Reassign(1, "1_0_0", "A", "C")
	require.True(t, ok)
	assert.Equal(t, "A", prev)
	_, ok = l.Reassign(1, "nope", "A", "C")
	assert.False(t, ok)

	sub, _ := l.Lookup(1, "1_0_0")
	assert.Equal(t, "C", sub.Node)
	assert.Equal(t, 1, sub.Reassignments)
	assert.Equal(t, []string{"assign(A)", "unload(A)", "reload(C)"}, ops(l.HistoryFor(1)))
	assert.Empty(t, l.HistoryFor(2))

	// A stale source node is reported back as the ledger's own record.
	prev, ok = l.Reassign(1, "1_0_0", "B", "D")
	require.True(t, ok)
	assert.Equal(t, "C", prev)
}

func TestAddTaskUpsert(t *testing.T) {
	l := newLedger(t)
	first := l.AddTask(fleet.MainTask{Description: "a.mp4"})
	assert.Equal(t, 1, first.ID)
	l.AddTask(fleet.MainTask{ID: 5, Description: "b.mp4"})
	updated := l.AddTask(fleet.MainTask{ID: 5, Description: "b2.mp4"})
	assert.Equal(t, "b2.mp4", updated.Description)
	next := l.AddTask(fleet.MainTask{Description: "c.mp4"})
	assert.Equal(t, 6, next.ID)

	tasks := l.Tasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, []int{1, 5, 6}, []int{tasks[0].ID, tasks[1].ID, tasks[2].ID})
}

func TestAddSubTaskRules(t *testing.T) {
	l := newLedger(t)
	seed(t, l)
	_, ok := l.AddSubTask(9, fleet.SubTask{Description: "x"})
	assert.False(t, ok)
	_, ok = l.AddSubTask(1, fleet.SubTask{ID: 1, Description: "dup"})
	assert.False(t, ok)
	sub, ok := l.AddSubTask(1, fleet.SubTask{Description: "1_1_0"})
	require.True(t, ok)
	assert.Equal(t, 3, sub.ID)
	assert.Equal(t, 1, sub.TaskID)
	assert.Equal(t, fleet.TaskCreated, sub.Status)
}

func TestReadsAreCopies(t *testing.T) {
	l := newLedger(t)
	seed(t, l)
	task, _ := l.Task(1)
	task.SubTasks[0].Description = "changed"
	again, _ := l.Task(1)
	assert.Equal(t, "1_0_0", again.SubTasks[0].Description)
}

func TestRestore(t *testing.T) {
	l := newLedger(t)
	l.Restore([]fleet.MainTask{{
		ID:     3,
		Status: fleet.TaskRunning,
		SubTasks: []fleet.SubTask{
			{ID: 1, Description: "3_0_0", Status: fleet.TaskRunning, Node: "A"},
		},
	}}, []fleet.HistoryEntry{{TaskID: 3, SubTaskID: 1, Operation: fleet.OpAssign, Node: "A"}})

	assert.True(t, l.Complete(3, "3_0_0"))
	assert.Len(t, l.History(), 2)
	next := l.AddTask(fleet.MainTask{})
	assert.Equal(t, 4, next.ID)
	assert.Equal(t, Stats{Tasks: 2, SubTasks: 1, Completed: 1, History: 2}, l.Stats())
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestEventsPublished(t *testing.T) {
	rec := &recorder{}
	l := newLedger(t, WithPublisher(rec))
	seed(t, l)
	l.Assign(1, 1, "A")
	l.Reload(1, 1, "B")

	assert.Equal(t, 3, rec.count(notify.KindHistory))
	assert.GreaterOrEqual(t, rec.count(notify.KindSubTask), 5)
	assert.GreaterOrEqual(t, rec.count(notify.KindTask), 2)
}

func TestConcurrentAssign(t *testing.T) {
	l := newLedger(t)
	seed(t, l)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				l.Assign(1, 1, "A")
				l.Unload(1, 1)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, l.History(), 400)
}
