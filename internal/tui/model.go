// Package tui renders a live view of the fleet: a node table, fleet and
// task counters and a scrolling log of change events.
package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"dronefleet/internal/fleet"
	"dronefleet/internal/ledger"
	"dronefleet/internal/notify"
	"dronefleet/internal/registry"
)

const (
	maxLogLines     = 500
	refreshInterval = time.Second
	maxTableRows    = 12
)

// Nodes is the registry view the model reads.
type Nodes interface {
	All() []fleet.Node
	Stats() registry.Stats
}

// Tasks is the ledger view the model reads.
type Tasks interface {
	Stats() ledger.Stats
}

// Link reports the uplink state.
type Link interface {
	IsConnected() bool
	QueueLen() int
}

type eventMsg struct{ notify.Event }

type closedMsg struct{}

type refreshMsg time.Time

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	onStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	offStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	missionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// Model is the bubbletea model of the fleet view.
type Model struct {
	nodes  Nodes
	tasks  Tasks
	link   Link
	events <-chan notify.Event

	table      table.Model
	vp         viewport.Model
	logs       []string
	wrap       bool
	autoscroll bool
	closed     bool
	width      int
	height     int
}

// New builds a model reading from the given sources. events may be nil.
func New(nodes Nodes, tasks Tasks, link Link, events <-chan notify.Event) Model {
	cols := []table.Column{
		{Title: "ID", Width: 4},
		{Title: "Node", Width: 12},
		{Title: "Cluster", Width: 10},
		{Title: "Status", Width: 10},
		{Title: "X", Width: 8},
		{Title: "Y", Width: 8},
		{Title: "CPU", Width: 5},
		{Title: "Nbrs", Width: 5},
		{Title: "Work", Width: 5},
	}
	t := table.New(table.WithColumns(cols), table.WithHeight(maxTableRows))
	m := Model{
		nodes:      nodes,
		tasks:      tasks,
		link:       link,
		events:     events,
		table:      t,
		vp:         viewport.New(0, 0),
		autoscroll: true,
	}
	m.refreshTable()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), refresh())
}

// waitForEvent delivers the next notifier event as a message.
func waitForEvent(ch <-chan notify.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg{ev}
	}
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetWidth(msg.Width)
		m.vp.Width = msg.Width
		m.updateViewportHeight()
		m.refreshViewport()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "w":
			m.wrap = !m.wrap
			m.refreshViewport()
		case "s":
			m.autoscroll = !m.autoscroll
			if m.autoscroll {
				m.vp.GotoBottom()
			}
		default:
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			return m, cmd
		}
	case eventMsg:
		m.logs = append(m.logs, formatEvent(msg.Event))
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		if msg.Kind == notify.KindNode {
			m.refreshTable()
		}
		m.refreshViewport()
		return m, waitForEvent(m.events)
	case closedMsg:
		m.closed = true
	case refreshMsg:
		m.refreshTable()
		return m, refresh()
	}
	return m, nil
}

func (m *Model) refreshTable() {
	nodes := m.nodes.All()
	rows := make([]table.Row, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, table.Row{
			strconv.Itoa(n.ID),
			n.Name,
			n.Cluster,
			string(n.Status),
			fmt.Sprintf("%.1f", n.Position.X),
			fmt.Sprintf("%.1f", n.Position.Y),
			fmt.Sprintf("%.0f%%", n.Metrics.CPU*100),
			strconv.Itoa(len(n.Neighbors)),
			strconv.Itoa(len(n.SubTasks)),
		})
	}
	m.table.SetRows(rows)
}

func (m *Model) updateViewportHeight() {
	used := lipgloss.Height(m.renderHeader()) + lipgloss.Height(m.table.View()) + lipgloss.Height(m.renderBottom()) + 3
	h := m.height - used
	if h < 1 {
		h = 1
	}
	m.vp.Height = h
}

func (m *Model) refreshViewport() {
	var lines []string
	for _, l := range m.logs {
		if m.wrap && m.vp.Width > 0 {
			lines = append(lines, wordwrap.String(l, m.vp.Width))
		} else {
			lines = append(lines, l)
		}
	}
	m.vp.SetContent(strings.Join(lines, "\n"))
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func formatEvent(ev notify.Event) string {
	ts := dimStyle.Render(ev.Timestamp.Format("15:04:05"))
	var detail string
	switch e := ev.Entity.(type) {
	case fleet.Node:
		detail = fmt.Sprintf("node=%s status=%s pos=(%.1f,%.1f) neighbors=%v", e.Name, e.Status, e.Position.X, e.Position.Y, e.Neighbors)
	case fleet.MainTask:
		detail = fmt.Sprintf("task=%d status=%s subtasks=%d %s", e.ID, e.Status, len(e.SubTasks), e.Description)
	case fleet.SubTask:
		detail = fmt.Sprintf("subtask=%s task=%d status=%s node=%s", e.Description, e.TaskID, e.Status, e.Node)
	case fleet.HistoryEntry:
		detail = fmt.Sprintf("history %s subtask=%s node=%s", e.Operation, e.Description, e.Node)
	default:
		detail = fmt.Sprintf("id=%d", ev.ID)
	}
	return fmt.Sprintf("%s %s %s %s", ts, titleStyle.Render(string(ev.Kind)), ev.Action, detail)
}

func (m Model) renderHeader() string {
	ns := m.nodes.Stats()
	ts := m.tasks.Stats()
	link := offStyle.Render("● disconnected")
	queue := 0
	if m.link != nil {
		queue = m.link.QueueLen()
		if m.link.IsConnected() {
			link = onStyle.Render("● connected")
		}
	}
	fleetLine := fmt.Sprintf("%s  nodes=%d online=%d offline=%d %s",
		titleStyle.Render("FLEET"), ns.Total, ns.Online, ns.Offline,
		missionStyle.Render(fmt.Sprintf("in_mission=%d", ns.InMission)))
	taskLine := fmt.Sprintf("%s  tasks=%d subtasks=%d running=%d completed=%d history=%d",
		titleStyle.Render("TASKS"), ts.Tasks, ts.SubTasks, ts.Running, ts.Completed, ts.History)
	linkLine := fmt.Sprintf("%s  %s queue=%d", titleStyle.Render("UPLINK"), link, queue)
	return lipgloss.JoinVertical(lipgloss.Left, fleetLine, taskLine, linkLine)
}

func (m Model) renderBottom() string {
	indicator := func(on bool) string {
		if on {
			return onStyle.Render("●")
		}
		return offStyle.Render("●")
	}
	line := fmt.Sprintf("Wrap %s | Scroll %s | q quit", indicator(m.wrap), indicator(m.autoscroll))
	if m.closed {
		line += " | " + offStyle.Render("event stream closed")
	}
	return line
}

func (m Model) View() string {
	divider := strings.Repeat("─", m.width)
	return strings.Join([]string{
		m.renderHeader(),
		divider,
		m.table.View(),
		divider,
		m.vp.View(),
		divider,
		m.renderBottom(),
	}, "\n")
}
