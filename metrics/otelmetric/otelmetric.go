// Package otelmetric exports oncemap metrics through OpenTelemetry.
package otelmetric

import (
	"context"
	"time"

	"github.com/IvanBrykalov/oncemap/oncemap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope used for all instruments.
const ScopeName = "github.com/IvanBrykalov/oncemap"

// Adapter implements oncemap.Metrics on top of an OpenTelemetry meter.
type Adapter struct {
	hits    metric.Int64Counter
	misses  metric.Int64Counter
	waits   metric.Int64Counter
	inits   metric.Int64Counter
	latency metric.Float64Histogram
	entries metric.Int64Gauge

	attrs   metric.MeasurementOption
	okAttrs metric.MeasurementOption
	errAttr metric.MeasurementOption
}

// New creates the instruments on mp (nil => the global MeterProvider).
// attrs are attached to every measurement.
func New(mp metric.MeterProvider, attrs ...attribute.KeyValue) (*Adapter, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(ScopeName)

	a := &Adapter{
		attrs:   metric.WithAttributes(attrs...),
		okAttrs: metric.WithAttributes(append(attrs[:len(attrs):len(attrs)], attribute.String("result", "ok"))...),
		errAttr: metric.WithAttributes(append(attrs[:len(attrs):len(attrs)], attribute.String("result", "error"))...),
	}

	var err error
	if a.hits, err = meter.Int64Counter("oncemap.hits",
		metric.WithDescription("Lookups that found a ready value"),
	); err != nil {
		return nil, err
	}
	if a.misses, err = meter.Int64Counter("oncemap.misses",
		metric.WithDescription("Lookups that created a key and ran its initializer"),
	); err != nil {
		return nil, err
	}
	if a.waits, err = meter.Int64Counter("oncemap.waits",
		metric.WithDescription("Lookups that waited for an in-flight initializer"),
	); err != nil {
		return nil, err
	}
	if a.inits, err = meter.Int64Counter("oncemap.inits",
		metric.WithDescription("Completed initializers by result"),
	); err != nil {
		return nil, err
	}
	if a.latency, err = meter.Float64Histogram("oncemap.init.latency_ms",
		metric.WithDescription("Initializer run time in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if a.entries, err = meter.Int64Gauge("oncemap.entries",
		metric.WithDescription("Number of keys owning a slot"),
	); err != nil {
		return nil, err
	}
	return a, nil
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Add(context.Background(), 1, a.attrs) }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Add(context.Background(), 1, a.attrs) }

// Wait increments the wait counter.
func (a *Adapter) Wait() { a.waits.Add(context.Background(), 1, a.attrs) }

// Init records an initializer's latency and result.
func (a *Adapter) Init(d time.Duration, err error) {
	ctx := context.Background()
	res := a.okAttrs
	if err != nil {
		res = a.errAttr
	}
	a.latency.Record(ctx, float64(d)/float64(time.Millisecond), res)
	a.inits.Add(ctx, 1, res)
}

// Size records the current number of entries.
func (a *Adapter) Size(entries int) {
	a.entries.Record(context.Background(), int64(entries), a.attrs)
}

var _ oncemap.Metrics = (*Adapter)(nil)
