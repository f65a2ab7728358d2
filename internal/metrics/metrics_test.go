package metrics

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestCountersInMemory(t *testing.T) {
	p, err := Setup(Options{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer p.Shutdown(context.Background())

	c, err := p.Meter("test").Int64Counter("dispatch.messages")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	ctx := context.Background()
	c.Add(ctx, 2, metric.WithAttributes(attribute.String("tag", "task_info")))
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("tag", "node_info")))

	got, err := p.Counters(ctx)
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if got["dispatch.messages"] != 3 {
		t.Fatalf("expected 3 across attributes, got %v", got)
	}
}

func TestStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(Options{Stdout: true, Writer: &buf, Interval: time.Hour})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	c, _ := p.Meter("test").Int64Counter("uplink.reconnects")
	c.Add(context.Background(), 1)

	if _, err := p.Counters(context.Background()); err == nil {
		t.Fatalf("expected Counters to refuse with the stdout exporter")
	}
	// Shutdown flushes the periodic reader.
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "uplink.reconnects") {
		t.Fatalf("exporter output missing counter: %s", buf.String())
	}
}
