package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"dronefleet/internal/protocol"
)

// Recorded is one line of an envelope log.
type Recorded struct {
	Timestamp time.Time         `json:"ts"`
	Envelope  protocol.Envelope `json:"envelope"`
}

// EnvelopeLog records inbound envelopes with their arrival time so a
// session can be replayed later.
type EnvelopeLog struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	now  func() time.Time
}

// NewEnvelopeLog creates or truncates path.
func NewEnvelopeLog(path string) (*EnvelopeLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create envelope log: %w", err)
	}
	return &EnvelopeLog{file: f, enc: json.NewEncoder(f), now: time.Now}, nil
}

// Record appends env.
func (l *EnvelopeLog) Record(env protocol.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(Recorded{Timestamp: l.now().UTC(), Envelope: env})
}

// Close closes the file.
func (l *EnvelopeLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Replay decodes recorded envelopes from r and hands each to fn in order.
// A speed > 0 sleeps for the recorded gap divided by speed between
// envelopes; speed <= 0 replays without delay.
func Replay(ctx context.Context, r io.Reader, fn func(protocol.Envelope), speed float64) (int, error) {
	dec := json.NewDecoder(r)
	var prev time.Time
	count := 0
	for {
		var rec Recorded
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, fmt.Errorf("replay line %d: %w", count+1, err)
		}
		if !prev.IsZero() && speed > 0 {
			gap := time.Duration(float64(rec.Timestamp.Sub(prev)) / speed)
			if gap > 0 {
				select {
				case <-ctx.Done():
					return count, ctx.Err()
				case <-time.After(gap):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}
		fn(rec.Envelope)
		count++
		prev = rec.Timestamp
	}
}

// ReplayFile opens path and replays it.
func ReplayFile(ctx context.Context, path string, fn func(protocol.Envelope), speed float64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Replay(ctx, f, fn, speed)
}
