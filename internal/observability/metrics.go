// Package observability exposes Prometheus instrumentation for the delivery
// pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline's Prometheus collectors.
type Metrics struct {
	Attempts       *prometheus.CounterVec
	Terminal       *prometheus.CounterVec
	BreakerOpens   prometheus.Counter
	BreakerSkips   prometheus.Counter
	AttemptLatency prometheus.Histogram
	PendingDepth   prometheus.Gauge
	InflightDepth  prometheus.Gauge
}

// New registers the collectors on a registry (pass prometheus.DefaultRegisterer
// in production, a fresh registry in tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outhook_delivery_attempts_total",
			Help: "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		Terminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outhook_deliveries_terminal_total",
			Help: "Deliveries reaching a terminal status.",
		}, []string{"status"}),
		BreakerOpens: factory.NewCounter(prometheus.CounterOpts{
			Name: "outhook_breaker_opens_total",
			Help: "Circuit breaker open transitions.",
		}),
		BreakerSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "outhook_breaker_skips_total",
			Help: "Delivery attempts skipped because the breaker was open.",
		}),
		AttemptLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outhook_attempt_duration_seconds",
			Help:    "Wall time of delivery attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		PendingDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outhook_schedule_pending",
			Help: "Jobs waiting in the delivery schedule.",
		}),
		InflightDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outhook_schedule_inflight",
			Help: "Claimed jobs not yet acknowledged.",
		}),
	}
}
