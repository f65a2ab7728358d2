package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"dronefleet/internal/fleet"
	"dronefleet/internal/ledger"
	"dronefleet/internal/notify"
	"dronefleet/internal/registry"
)

type fakeNodes struct{ nodes []fleet.Node }

func (f *fakeNodes) All() []fleet.Node { return f.nodes }
func (f *fakeNodes) Stats() registry.Stats {
	return registry.Stats{Total: len(f.nodes), Online: len(f.nodes)}
}

type fakeTasks struct{}

func (fakeTasks) Stats() ledger.Stats { return ledger.Stats{Tasks: 1, Running: 2} }

type fakeLink struct{ up bool }

func (f fakeLink) IsConnected() bool { return f.up }
func (f fakeLink) QueueLen() int     { return 4 }

func newTestModel(events <-chan notify.Event) (Model, *fakeNodes) {
	nodes := &fakeNodes{nodes: []fleet.Node{{ID: 1, Name: "drone-1", Status: fleet.StatusIdle}}}
	return New(nodes, fakeTasks{}, fakeLink{up: true}, events), nodes
}

func TestEventsFlowIntoLog(t *testing.T) {
	ch := make(chan notify.Event, 1)
	m, nodes := newTestModel(ch)
	mi, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = mi.(Model)

	nodes.nodes = append(nodes.nodes, fleet.Node{ID: 2, Name: "drone-2", Status: fleet.StatusInMission})
	ch <- notify.Event{
		Kind:      notify.KindNode,
		Action:    notify.ActionAdded,
		Entity:    nodes.nodes[1],
		Timestamp: time.Unix(0, 0),
	}
	msg := waitForEvent(ch)()
	if _, ok := msg.(eventMsg); !ok {
		t.Fatalf("expected eventMsg, got %T", msg)
	}
	mi, cmd := m.Update(msg)
	m = mi.(Model)
	if cmd == nil {
		t.Fatalf("expected a follow-up wait command")
	}
	if len(m.logs) != 1 || !strings.Contains(m.logs[0], "node=drone-2") {
		t.Fatalf("unexpected log %v", m.logs)
	}
	if len(m.table.Rows()) != 2 {
		t.Fatalf("node event should refresh the table, got %d rows", len(m.table.Rows()))
	}
	view := m.View()
	for _, want := range []string{"drone-2", "connected", "queue=4", "running=2"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestClosedStream(t *testing.T) {
	ch := make(chan notify.Event)
	close(ch)
	m, _ := newTestModel(ch)
	msg := waitForEvent(ch)()
	if _, ok := msg.(closedMsg); !ok {
		t.Fatalf("expected closedMsg, got %T", msg)
	}
	mi, cmd := m.Update(msg)
	if cmd != nil {
		t.Fatalf("no further waits after close")
	}
	if !strings.Contains(mi.(Model).View(), "event stream closed") {
		t.Fatalf("expected closed indicator")
	}
	if waitForEvent(nil) != nil {
		t.Fatalf("nil channel should not produce a command")
	}
}

func TestWrapToggle(t *testing.T) {
	m, _ := newTestModel(nil)
	mi, _ := m.Update(tea.WindowSizeMsg{Width: 20, Height: 40})
	m = mi.(Model)
	m.logs = []string{"one two three four five six seven eight"}
	m.refreshViewport()
	if strings.Count(m.vp.View(), "one two") != 1 || strings.Contains(m.vp.View(), "\nfive") {
		t.Fatalf("expected single unwrapped line")
	}
	mi, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'w'}})
	m = mi.(Model)
	if !m.wrap {
		t.Fatalf("wrap not toggled")
	}
	lines := strings.Split(strings.TrimRight(m.vp.View(), " \n"), "\n")
	nonEmpty := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			nonEmpty++
		}
	}
	if nonEmpty < 2 {
		t.Fatalf("expected wrapped content, got %q", m.vp.View())
	}
}

func TestScrollToggleAndQuit(t *testing.T) {
	m, _ := newTestModel(nil)
	mi, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'s'}})
	m = mi.(Model)
	if m.autoscroll {
		t.Fatalf("autoscroll should be off")
	}
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected QuitMsg")
	}
}
