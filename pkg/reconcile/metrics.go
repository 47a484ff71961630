package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting reconciliation activity.
type Metrics struct {
	eventLatency prometheus.Histogram
	terminations *prometheus.CounterVec
	skips        *prometheus.CounterVec
	duplicates   prometheus.Counter
}

// MustNewMetrics constructs a Metrics instance registered with the provided
// registerer. Supply a fresh registry in tests to avoid duplicate
// registration panics; registration errors panic, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		eventLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outpost",
			Subsystem: "reconciler",
			Name:      "event_latency_seconds",
			Help:      "Delay between a task stopping and its event being processed.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outpost",
			Subsystem: "reconciler",
			Name:      "terminations_total",
			Help:      "Terminal transitions applied, by status and classification reason.",
		}, []string{"status", "reason"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outpost",
			Subsystem: "reconciler",
			Name:      "skipped_events_total",
			Help:      "Events skipped without a store write, by cause.",
		}, []string{"cause"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "outpost",
			Subsystem: "reconciler",
			Name:      "duplicate_events_total",
			Help:      "Redelivered events whose dispatch was already terminal.",
		}),
	}
	reg.MustRegister(m.eventLatency, m.terminations, m.skips, m.duplicates)
	return m
}

// ObserveEventLatency records the stop-to-processing delay for one event.
// Negative samples (clock skew) must be discarded by the caller.
func (m *Metrics) ObserveEventLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.eventLatency.Observe(d.Seconds())
}

// TerminationApplied counts one applied terminal transition.
func (m *Metrics) TerminationApplied(status, reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(status, reason).Inc()
}

// EventSkipped counts one event skipped without touching the store.
func (m *Metrics) EventSkipped(cause string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(cause).Inc()
}

// DuplicateEvent counts one redelivery folded into success.
func (m *Metrics) DuplicateEvent() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}
