package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
)

// prefixLength is the size of the little-endian length prefix.
const prefixLength = 4

// DefaultMaxFrame bounds a single payload. A prefix above the bound can
// only come from a corrupted stream.
const DefaultMaxFrame = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a payload exceeds the frame bound.
var ErrFrameTooLarge = errors.New("frame exceeds maximum payload length")

// Encode serializes env to JSON and prepends its byte length.
func Encode(env Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, prefixLength+len(payload))
	binary.LittleEndian.PutUint32(frame[:prefixLength], uint32(len(payload)))
	copy(frame[prefixLength:], payload)
	return frame, nil
}

// WriteFrame encodes env and writes the frame to w.
func WriteFrame(w io.Writer, env Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks until one complete frame has been read from r.
func ReadFrame(r io.Reader, maxFrame int) (Envelope, error) {
	var prefix [prefixLength]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if uint64(n) > uint64(maxFrame) {
		return Envelope{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxFrame)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, fmt.Errorf("read frame payload: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}

// Decoder extracts envelopes from an append-only byte buffer fed by the
// transport. Partial trailing bytes stay buffered until the next Feed.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf      []byte
	maxFrame int
	log      *slog.Logger

	// OnCorrupt, when set, is called for every payload that is dropped.
	OnCorrupt func()
}

// NewDecoder returns a decoder bounding payloads at maxFrame bytes
// (DefaultMaxFrame when maxFrame <= 0).
func NewDecoder(maxFrame int, log *slog.Logger) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{maxFrame: maxFrame, log: log}
}

// Feed appends bytes read from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards all buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Next returns the next complete envelope. It returns false when the
// buffer does not yet hold a full frame. Payloads that are not valid JSON
// are logged and consumed.
func (d *Decoder) Next() (Envelope, bool) {
	for {
		if len(d.buf) < prefixLength {
			return Envelope{}, false
		}
		n := binary.LittleEndian.Uint32(d.buf[:prefixLength])
		if uint64(n) > uint64(d.maxFrame) {
			// No way to find the next frame boundary; drop what we have.
			d.log.Warn("frame length out of range, discarding buffer", "length", n, "buffered", len(d.buf))
			d.Reset()
			d.corrupt()
			return Envelope{}, false
		}
		end := prefixLength + int(n)
		if len(d.buf) < end {
			return Envelope{}, false
		}
		var env Envelope
		err := json.Unmarshal(d.buf[prefixLength:end], &env)
		d.consume(end)
		if err != nil {
			d.log.Warn("dropping malformed frame", "length", n, "err", err)
			d.corrupt()
			continue
		}
		return env, true
	}
}

// Envelopes yields every complete envelope currently buffered. Iteration
// can be restarted after more bytes are fed.
func (d *Decoder) Envelopes() iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		for {
			env, ok := d.Next()
			if !ok || !yield(env) {
				return
			}
		}
	}
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

func (d *Decoder) corrupt() {
	if d.OnCorrupt != nil {
		d.OnCorrupt()
	}
}
