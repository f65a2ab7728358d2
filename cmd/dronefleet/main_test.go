package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dronefleet/internal/app"
	"dronefleet/internal/protocol"
	"dronefleet/internal/sink"
)

func writeEnvelopeLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "envelopes.jsonl")
	l, err := sink.NewEnvelopeLog(path)
	if err != nil {
		t.Fatalf("NewEnvelopeLog: %v", err)
	}
	nodes, _ := protocol.NewReport(protocol.TagAnsNodeInfo, protocol.Fields{
		"name":   {"drone-1", "drone-2"},
		"x":      {0.0, 3.0},
		"y":      {0.0, 0.0},
		"radius": {5.0, 5.0},
	})
	tasks, _ := protocol.NewReport(protocol.TagTasksInfo, protocol.Fields{
		"task_id":     {1},
		"description": {"clip.mp4"},
	})
	subs, _ := protocol.NewReport(protocol.TagSubTasksInfo, protocol.Fields{
		"subtask_name": {"1_0_1"},
		"node":         {"drone-2"},
	})
	for _, env := range []protocol.Envelope{nodes, tasks, subs} {
		if err := l.Record(env); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestReplayCommandPrintsState(t *testing.T) {
	path := writeEnvelopeLog(t)
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs([]string{"replay", "--input", path, "--env-file", filepath.Join(t.TempDir(), "none.env"), "--log-level", "error"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("replay failed: %v (stderr %s)", err, errOut.String())
	}

	var state app.State
	if err := json.Unmarshal(out.Bytes(), &state); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if len(state.Nodes) != 2 || len(state.Nodes[0].Neighbors) != 1 {
		t.Fatalf("unexpected nodes %+v", state.Nodes)
	}
	if len(state.Tasks) != 1 || state.Tasks[0].SubTasks[0].Node != "drone-2" {
		t.Fatalf("unexpected tasks %+v", state.Tasks)
	}
	if state.Stats.Nodes.InMission != 1 || state.Stats.Tasks.Running != 1 {
		t.Fatalf("unexpected stats %+v", state.Stats)
	}
}

func TestFailureRate(t *testing.T) {
	if failureRate(0) != -1 {
		t.Fatalf("zero should disable failures")
	}
	if failureRate(0.5) != 0.5 {
		t.Fatalf("non-zero rates pass through")
	}
}

func TestFileLoggerWritesAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})
	log, closeLog, err := fileLogger(path, h)
	if err != nil {
		t.Fatalf("fileLogger: %v", err)
	}
	log.Info("below level")
	log.Warn("kept line")
	if err := closeLog(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := closeLog(); err == nil {
		t.Fatalf("expected the file to be closed already")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "kept line") || strings.Contains(string(data), "below level") {
		t.Fatalf("unexpected log contents %q", data)
	}

	_, closeLog, err = fileLogger("", h)
	if err != nil || closeLog() != nil {
		t.Fatalf("discard logger should need no cleanup, err=%v", err)
	}
}
