package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, slog.LevelWarn)
	ctx := NewContext(context.Background(), l)
	FromContext(ctx).Info("hidden")
	FromContext(ctx).Warn("shown", "node", "drone-1")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "node=drone-1") {
		t.Fatalf("unexpected output %q", out)
	}
	if FromContext(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger without a stored one")
	}
}
