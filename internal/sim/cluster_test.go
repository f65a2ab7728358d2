package sim

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronefleet/internal/dispatch"
	"dronefleet/internal/fleet"
	"dronefleet/internal/ledger"
	"dronefleet/internal/protocol"
	"dronefleet/internal/registry"
	"dronefleet/internal/uplink"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCluster(opts Options) *Cluster {
	opts.Rand = rand.New(rand.NewSource(1))
	opts.Logger = quietLogger()
	return New(opts)
}

func command(t *testing.T, tag string, v any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewCommand(tag, v)
	require.NoError(t, err)
	return env
}

func fields(t *testing.T, env protocol.Envelope) protocol.Fields {
	t.Helper()
	f, err := env.Fields()
	require.NoError(t, err)
	return f
}

func TestStartAllSpawnsDrones(t *testing.T) {
	c := testCluster(Options{})
	out := c.Handle(command(t, protocol.TagStartAll, 4))
	require.Len(t, out, 2)
	assert.Equal(t, protocol.TagAnsNodeInfo, out[0].Type)
	assert.Equal(t, protocol.TagClusterInfo, out[1].Type)

	f := fields(t, out[0])
	assert.Equal(t, []string{"drone-1", "drone-2", "drone-3", "drone-4"}, f.Strings("name"))
	ids := f.Ints("id")
	slices.Sort(ids)
	assert.Equal(t, []int{1, 2, 3, 4}, ids)
	for _, s := range f.Strings("status") {
		assert.Equal(t, string(fleet.StatusIdle), s)
	}

	// A second start_all with the same count adds nothing.
	c.Handle(command(t, protocol.TagStartAll, 4))
	assert.Len(t, c.Drones(), 4)
}

func TestCreateTaskAssignsSubTasks(t *testing.T) {
	c := testCluster(Options{SubTasks: 3})
	c.Handle(command(t, protocol.TagStartAll, 4))

	env := command(t, protocol.TagCreateTasks, "clip.mp4")
	env.NextNode = "drone-4"
	out := c.Handle(env)
	require.Len(t, out, 2)

	tasks := fields(t, out[0])
	assert.Equal(t, []int{1}, tasks.Ints("task_id"))
	assert.Equal(t, []string{"clip.mp4"}, tasks.Strings("description"))

	subs := fields(t, out[1])
	assert.Equal(t, []string{"1_0_3", "1_1_3", "1_2_3"}, subs.Strings("subtask_name"))
	assert.Equal(t, []string{"drone-4", "drone-1", "drone-2"}, subs.Strings("node"))
	assert.Equal(t, 3, c.Pending())
}

func TestCreateTaskWithoutDrones(t *testing.T) {
	c := testCluster(Options{})
	assert.Empty(t, c.Handle(command(t, protocol.TagCreateTasks, "clip.mp4")))
}

func TestStepCompletesWork(t *testing.T) {
	c := testCluster(Options{SubTasks: 2, CompleteRate: 1, FailureRate: -1})
	c.Handle(command(t, protocol.TagStartAll, 2))
	c.Handle(command(t, protocol.TagCreateTasks, "a.mp4"))

	out := c.Step()
	require.Len(t, out, 2)
	var done []string
	for _, env := range out {
		require.Equal(t, protocol.TagTaskInfo, env.Type)
		var msg struct {
			SubTaskName string `json:"subtask_name"`
		}
		require.NoError(t, env.Decode(&msg))
		done = append(done, msg.SubTaskName)
	}
	slices.Sort(done)
	assert.Equal(t, []string{"1_0_2", "1_1_2"}, done)
	assert.Zero(t, c.Pending())
	assert.Empty(t, c.Step())
}

func TestFailureReassignsWork(t *testing.T) {
	c := testCluster(Options{SubTasks: 1, CompleteRate: -1, FailureRate: 1})
	c.Handle(command(t, protocol.TagStartAll, 3))
	c.Handle(command(t, protocol.TagCreateTasks, "a.mp4"))

	out := c.Step()
	require.Len(t, out, 1)
	require.Equal(t, protocol.TagReassignInfo, out[0].Type)
	f := fields(t, out[0])
	assert.Equal(t, []string{"drone-1"}, f.Strings("old_node"))
	assert.Equal(t, []string{"1_0_1"}, f.Strings("subtask_name"))
	assert.Equal(t, []string{"1"}, f.Strings("task_name"))
	assert.NotEqual(t, "drone-1", f.Strings("new_node")[0])

	// The fleet size is kept by a replacement.
	assert.Equal(t, []string{"drone-2", "drone-3", "drone-4"}, c.Drones())
	assert.Equal(t, 1, c.Pending())
}

func TestShutdownMovesWork(t *testing.T) {
	c := testCluster(Options{SubTasks: 2})
	c.Handle(command(t, protocol.TagStartAll, 3))
	c.Handle(command(t, protocol.TagCreateTasks, "a.mp4"))

	out := c.Handle(command(t, protocol.TagShutdown, "drone-1"))
	require.Len(t, out, 1)
	f := fields(t, out[0])
	assert.Equal(t, []string{"drone-1"}, f.Strings("old_node"))
	assert.Equal(t, []string{"drone-3"}, f.Strings("new_node"))
	assert.Equal(t, []string{"drone-2", "drone-3"}, c.Drones())

	assert.Empty(t, c.Handle(command(t, protocol.TagShutdown, "drone-3x")))
	out = c.Handle(command(t, protocol.TagShutdown, "drone-3"))
	require.Len(t, out, 1)
	assert.Equal(t, []string{"drone-2"}, fields(t, out[0]).Strings("new_node"))
	assert.Equal(t, 2, c.Pending())

	c.Handle(command(t, protocol.TagStartAll, 2))
	assert.Empty(t, c.Handle(command(t, protocol.TagShutdown, "drone-4")), "idle drone has nothing to move")
}

func TestDroneWalkStaysInArea(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	d := &drone{pos: fleet.Position{X: 1, Y: 1}, speed: 20}
	for range 500 {
		d.walk(rng, 100)
		require.True(t, d.pos.X >= 0 && d.pos.X <= 100, "x=%f", d.pos.X)
		require.True(t, d.pos.Y >= 0 && d.pos.Y <= 100, "y=%f", d.pos.Y)
	}
}

func TestEndToEndWithUplink(t *testing.T) {
	c := testCluster(Options{Tick: time.Hour, SubTasks: 3, CompleteRate: 1, FailureRate: -1})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- c.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-served)
	})

	reg := registry.New()
	led := ledger.New()
	t.Cleanup(reg.Close)
	t.Cleanup(led.Close)
	d := dispatch.New(reg, led, dispatch.WithLogger(quietLogger()))

	client := uplink.New(d.Handle, uplink.Options{
		MaxRetries:    3,
		RetryInterval: 10 * time.Millisecond,
		PollInterval:  -1,
		StartNodes:    4,
		Logger:        quietLogger(),
	})
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, client.Connect(ctx, "127.0.0.1", port))
	t.Cleanup(client.Disconnect)

	require.Eventually(t, func() bool {
		n, ok := reg.GetByName("drone-4")
		return ok && n.Cluster != "" && reg.Stats().Online == 4
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.CreateTask("clip.mp4", ""))
	require.Eventually(t, func() bool {
		subs := led.SubTasks(1)
		if len(subs) != 3 {
			return false
		}
		for _, s := range subs {
			if s.Node == "" {
				return false
			}
		}
		return reg.Stats().InMission == 3
	}, 2*time.Second, 10*time.Millisecond)
	task, ok := led.Task(1)
	require.True(t, ok)
	assert.Equal(t, fleet.TaskRunning, task.Status)

	c.broadcast(c.Step())
	require.Eventually(t, func() bool {
		task, _ := led.Task(1)
		return task.Status == fleet.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return reg.Stats().InMission == 0 }, 2*time.Second, 10*time.Millisecond)
}
