package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"dronefleet/internal/notify"
)

// Journal appends events to a JSONL file, one event per line.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewJournal opens path for appending, creating it if needed.
func NewJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &Journal{file: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Write logs one event and flushes it.
func (j *Journal) Write(_ context.Context, ev notify.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(ev); err != nil {
		return err
	}
	return j.buf.Flush()
}

// Close flushes and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.buf.Flush(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}
