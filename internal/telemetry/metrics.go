package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/flash/observability"
)

var _ observability.MetricFactory = (*MeterFactory)(nil)

// MeterFactory creates observability metrics on an OpenTelemetry meter.
// Instruments that fail to register fall back to no-ops.
type MeterFactory struct {
	meter metric.Meter
}

// NewMeterFactory returns a factory on the global meter provider.
func NewMeterFactory() *MeterFactory {
	return &MeterFactory{meter: otel.Meter(InstrumentationName)}
}

// Counter implements observability.MetricFactory.
func (f *MeterFactory) Counter(name string) observability.Counter {
	c, err := f.meter.Float64Counter(name)
	if err != nil {
		otel.Handle(err)
		return noopInstrument{}
	}
	return counter{c}
}

// Histogram implements observability.MetricFactory.
func (f *MeterFactory) Histogram(name string) observability.Histogram {
	h, err := f.meter.Float64Histogram(name)
	if err != nil {
		otel.Handle(err)
		return noopInstrument{}
	}
	return histogram{h}
}

type counter struct{ c metric.Float64Counter }

func (c counter) Inc()          { c.c.Add(context.Background(), 1) }
func (c counter) Add(v float64) { c.c.Add(context.Background(), v) }

type histogram struct{ h metric.Float64Histogram }

func (h histogram) Observe(v float64) { h.h.Record(context.Background(), v) }

type noopInstrument struct{}

func (noopInstrument) Inc()            {}
func (noopInstrument) Add(float64)     {}
func (noopInstrument) Observe(float64) {}
