// Package metrics installs the OpenTelemetry meter provider used by the
// uplink and dispatcher counters.
package metrics

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// DefaultInterval is the export period for the stdout exporter.
const DefaultInterval = 30 * time.Second

// Options select the exporter.
type Options struct {
	// Stdout exports every Interval as JSON to Writer (os.Stdout when nil).
	// Without it counters are kept in memory and read through Collect.
	Stdout   bool
	Writer   io.Writer
	Interval time.Duration
}

// Provider wraps the SDK meter provider.
type Provider struct {
	*sdkmetric.MeterProvider
	manual *sdkmetric.ManualReader
}

// Setup builds a meter provider and registers it globally.
func Setup(opts Options) (*Provider, error) {
	p := &Provider{}
	var reader sdkmetric.Reader
	if opts.Stdout {
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		interval := opts.Interval
		if interval <= 0 {
			interval = DefaultInterval
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	} else {
		p.manual = sdkmetric.NewManualReader()
		reader = p.manual
	}
	p.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(p.MeterProvider)
	return p, nil
}

// Counters returns the current value of every int64 sum, keyed by
// instrument name. Only available without the stdout exporter.
func (p *Provider) Counters(ctx context.Context) (map[string]int64, error) {
	if p.manual == nil {
		return nil, fmt.Errorf("counters are exported to stdout")
	}
	var rm metricdata.ResourceMetrics
	if err := p.manual.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out, nil
}
