// Package prom exports oncemap metrics to Prometheus.
package prom

import (
	"time"

	"github.com/IvanBrykalov/oncemap/oncemap"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements oncemap.Metrics and exports Prometheus counters,
// a latency histogram and an entries gauge.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	waits   prometheus.Counter
	inits   *prometheus.CounterVec
	latency prometheus.Histogram
	entries prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Lookups that found a ready value",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Lookups that created a key and ran its initializer",
			ConstLabels: constLabels,
		}),
		waits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "waits_total",
			Help:        "Lookups that waited for an in-flight initializer",
			ConstLabels: constLabels,
		}),
		inits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "inits_total",
				Help:        "Completed initializers by result",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "init_duration_seconds",
			Help:        "Initializer run time",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
			ConstLabels: constLabels,
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "entries",
			Help:        "Number of keys owning a slot",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.waits, a.inits, a.latency, a.entries)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Wait increments the wait counter.
func (a *Adapter) Wait() { a.waits.Inc() }

// Init records an initializer's duration and result.
func (a *Adapter) Init(d time.Duration, err error) {
	a.latency.Observe(d.Seconds())
	a.inits.WithLabelValues(result(err)).Inc()
}

// Size updates the entries gauge.
func (a *Adapter) Size(entries int) { a.entries.Set(float64(entries)) }

// result maps an init error to a stable label value.
func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Compile-time check: ensure Adapter implements oncemap.Metrics.
var _ oncemap.Metrics = (*Adapter)(nil)
