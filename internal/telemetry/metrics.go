// Package telemetry provides observability primitives for the AutoRouter gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	ActiveRequests       prometheus.Gauge
	AttemptsTotal        *prometheus.CounterVec
	UpstreamDuration     *prometheus.HistogramVec
	TTFT                 *prometheus.HistogramVec
	CircuitState         *prometheus.GaugeVec
	UpstreamInflight     *prometheus.GaugeVec
	AffinityHits         prometheus.Counter
	AffinityMigrations   prometheus.Counter
	QuotaRejects         *prometheus.CounterVec
	TokensProcessed      *prometheus.CounterVec
	BillingEventsDropped prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autorouter",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"capability", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "autorouter",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"capability"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autorouter",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autorouter",
			Name:      "forward_attempts_total",
			Help:      "Total forward attempts by upstream and outcome.",
		}, []string{"upstream", "outcome"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "autorouter",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"upstream"}),

		TTFT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "autorouter",
			Name:                            "ttft_seconds",
			Help:                            "Time to first token for streamed responses.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"upstream"}),

		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autorouter",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per upstream (0=closed, 1=half_open, 2=open).",
		}, []string{"upstream"}),

		UpstreamInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autorouter",
			Name:      "upstream_inflight",
			Help:      "In-flight requests per upstream.",
		}, []string{"upstream"}),

		AffinityHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autorouter",
			Name:      "affinity_hits_total",
			Help:      "Requests routed by an existing session affinity.",
		}),

		AffinityMigrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autorouter",
			Name:      "affinity_migrations_total",
			Help:      "Session affinities migrated to a higher-priority upstream.",
		}),

		QuotaRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autorouter",
			Name:      "quota_rejects_total",
			Help:      "Candidates excluded for exceeded spending windows.",
		}, []string{"upstream"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autorouter",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		BillingEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autorouter",
			Name:      "billing_events_dropped_total",
			Help:      "Billing emissions dropped due to a full queue.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AttemptsTotal,
		m.UpstreamDuration,
		m.TTFT,
		m.CircuitState,
		m.UpstreamInflight,
		m.AffinityHits,
		m.AffinityMigrations,
		m.QuotaRejects,
		m.TokensProcessed,
		m.BillingEventsDropped,
	)

	return m
}
