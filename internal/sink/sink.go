// Package sink forwards change events to files and time-series storage.
package sink

import (
	"context"
	"errors"
	"log/slog"

	"dronefleet/internal/notify"
)

// Sink receives change events.
type Sink interface {
	Write(ctx context.Context, ev notify.Event) error
	Close() error
}

// Run feeds every event on ch to s until ctx ends or ch closes.
func Run(ctx context.Context, ch <-chan notify.Event, name string, s Sink, log *slog.Logger) {
	notify.Consume(ctx, ch, name, log, s.Write)
}

// Multi fans events out to several sinks.
type Multi struct {
	sinks []Sink
}

// NewMulti returns a sink writing to every non-nil s.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of wrapped sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Write sends ev to every sink. A failing sink does not stop the others.
func (m *Multi) Write(ctx context.Context, ev notify.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
