// Package metric owns the Prometheus registry and the gateway's core
// instrumentation: dispatch outcomes, broadcast fan-out, connection counts,
// and extension lifecycle. Components treat a nil *Metrics as metrics
// disabled and skip recording.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the gateway-level metrics.
type Metrics struct {
	DispatchTotal     *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	BroadcastTotal    prometheus.Counter
	BroadcastDuration prometheus.Histogram
	EventsDropped     *prometheus.CounterVec
	Extensions        *prometheus.GaugeVec
	ExtensionHealth   *prometheus.GaugeVec
	Connections       prometheus.Gauge
	RouteMisses       prometheus.Counter
}

// NewMetrics creates the gateway metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crosswire",
				Subsystem: "dispatch",
				Name:      "calls_total",
				Help:      "Method dispatches by method and outcome",
			},
			[]string{"method", "outcome"},
		),

		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "crosswire",
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Method dispatch duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		BroadcastTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crosswire",
				Subsystem: "broadcast",
				Name:      "events_total",
				Help:      "Events broadcast through the manager",
			},
		),

		BroadcastDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "crosswire",
				Subsystem: "broadcast",
				Name:      "duration_seconds",
				Help:      "Broadcast fan-out duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crosswire",
				Subsystem: "broadcast",
				Name:      "dropped_total",
				Help:      "Events dropped per extension host queue",
			},
			[]string{"extension"},
		),

		Extensions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "crosswire",
				Subsystem: "registry",
				Name:      "extensions",
				Help:      "Registered extensions by kind (local or remote)",
			},
			[]string{"kind"},
		),

		ExtensionHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "crosswire",
				Subsystem: "registry",
				Name:      "extension_healthy",
				Help:      "Extension health (0=unhealthy, 1=healthy)",
			},
			[]string{"extension"},
		),

		Connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "crosswire",
				Subsystem: "gateway",
				Name:      "connections",
				Help:      "Active client connections",
			},
		),

		RouteMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "crosswire",
				Subsystem: "routing",
				Name:      "misses_total",
				Help:      "Source route lookups that found no owner",
			},
		),
	}
}

// RecordDispatch increments the dispatch counter.
func (m *Metrics) RecordDispatch(method, outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(method, outcome).Inc()
}

// RecordDispatchDuration records how long a dispatch took.
func (m *Metrics) RecordDispatchDuration(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordBroadcast records one fan-out and its duration.
func (m *Metrics) RecordBroadcast(d time.Duration) {
	if m == nil {
		return
	}
	m.BroadcastTotal.Inc()
	m.BroadcastDuration.Observe(d.Seconds())
}

// RecordEventDropped increments the per-extension drop counter.
func (m *Metrics) RecordEventDropped(extension string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(extension).Inc()
}

// SetExtensions sets the registered-extension gauge for one kind.
func (m *Metrics) SetExtensions(kind string, n int) {
	if m == nil {
		return
	}
	m.Extensions.WithLabelValues(kind).Set(float64(n))
}

// RecordExtensionHealth updates the per-extension health gauge.
func (m *Metrics) RecordExtensionHealth(extension string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.ExtensionHealth.WithLabelValues(extension).Set(v)
}

// SetConnections sets the active connection gauge.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

// RecordRouteMiss counts a source route lookup with no owner.
func (m *Metrics) RecordRouteMiss() {
	if m == nil {
		return
	}
	m.RouteMisses.Inc()
}
