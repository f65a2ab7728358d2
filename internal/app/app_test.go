package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronefleet/internal/config"
	"dronefleet/internal/sim"
	"dronefleet/internal/uplink"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startCluster(t *testing.T) (host string, port int) {
	t.Helper()
	c := sim.New(sim.Options{
		Tick:        time.Hour,
		FailureRate: -1,
		Rand:        rand.New(rand.NewSource(3)),
		Logger:      quietLogger(),
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func testConfig(t *testing.T, host string, port int) *config.Config {
	cfg := config.Default()
	cfg.Upstream.Host, cfg.Upstream.Port = host, port
	cfg.Upstream.StartNodes = 3
	cfg.Upstream.PollInterval = 20 * time.Millisecond
	cfg.Upstream.RetryInterval = 10 * time.Millisecond
	cfg.Upstream.MaxRetries = 2
	cfg.Admin.Addr = ""
	dir := t.TempDir()
	cfg.Sinks.JournalPath = filepath.Join(dir, "events.jsonl")
	cfg.Sinks.EnvelopeLog = filepath.Join(dir, "envelopes.jsonl")
	return cfg
}

func TestRunRecordsAndReplays(t *testing.T) {
	host, port := startCluster(t)
	cfg := testConfig(t, host, port)

	a, err := New(context.Background(), cfg, Options{Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, a.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Registry.Stats().Online == 3 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Uplink.CreateTask("clip.mp4", ""))
	require.Eventually(t, func() bool { return a.Ledger.Stats().Running == 3 }, 3*time.Second, 10*time.Millisecond)
	live := a.Snapshot()

	cancel()
	select {
	case err := <-ran:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.NoError(t, a.Close())

	info, err := os.Stat(cfg.Sinks.JournalPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Size(), "journal should hold the change events")

	replayed, n, err := Replay(context.Background(), cfg.Sinks.EnvelopeLog, cfg.Registry.DistanceMetric, 0, quietLogger())
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Equal(t, live.Stats.Nodes.Total, replayed.Stats.Nodes.Total)
	assert.Equal(t, 3, replayed.Stats.Tasks.Running)
	require.Len(t, replayed.Tasks, 1)
	assert.Equal(t, "clip.mp4", replayed.Tasks[0].Description)
}

func TestRunFailsWhenUpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := testConfig(t, "127.0.0.1", port)
	a, err := New(context.Background(), cfg, Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer a.Close()

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, uplink.ErrRetriesExhausted), "got %v", err)
}

func TestNewRejectsUnknownMetric(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.DistanceMetric = "manhattan"
	_, err := New(context.Background(), cfg, Options{Logger: quietLogger()})
	assert.Error(t, err)
}

func TestNewSinks(t *testing.T) {
	m, err := newSinks(config.SinksConfig{}, "fleet-01", quietLogger())
	require.NoError(t, err)
	assert.Zero(t, m.Len())

	m, err = newSinks(config.SinksConfig{JournalPath: filepath.Join(t.TempDir(), "j.jsonl")}, "fleet-01", quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	require.NoError(t, m.Close())

	_, err = newSinks(config.SinksConfig{JournalPath: filepath.Join(t.TempDir(), "missing", "j.jsonl")}, "fleet-01", quietLogger())
	assert.Error(t, err)
}
