// Package metrics holds the prometheus collectors shared by the
// coordination components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	LockAcquireTotal *prometheus.CounterVec // result=acquired|contended|error
	LockReleaseTotal *prometheus.CounterVec // result=released|not_owner|error

	RateLimitTotal *prometheus.CounterVec // result=allow|deny
	BreakerTotal   *prometheus.CounterVec // transition=opened|half_open|closed

	CacheReadTotal *prometheus.CounterVec // source=memory|snapshot|empty|fallback
	RefreshTotal   *prometheus.CounterVec // outcome=refreshed|skipped|rate_limited|failed

	OpLatencyMS *prometheus.HistogramVec // op=acquire|release|snapshot_read|snapshot_write|origin_fetch
}

// New builds and registers the collector set. A nil registerer targets the
// default prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		LockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordd_lock_acquire_total",
				Help: "Total lock acquire attempts by result",
			},
			[]string{"result"},
		),
		LockReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordd_lock_release_total",
				Help: "Total lock release attempts by result",
			},
			[]string{"result"},
		),
		RateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordd_ratelimit_total",
				Help: "Rate limit decisions by result",
			},
			[]string{"result"},
		),
		BreakerTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordd_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"transition"},
		),
		CacheReadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordd_cache_read_total",
				Help: "Cache reads by serving source",
			},
			[]string{"source"},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordd_refresh_total",
				Help: "Dataset refresh runs by outcome",
			},
			[]string{"outcome"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordd_op_latency_ms",
				Help:    "Latency of coordination operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"op"},
		),
	}
	reg.MustRegister(
		m.LockAcquireTotal,
		m.LockReleaseTotal,
		m.RateLimitTotal,
		m.BreakerTotal,
		m.CacheReadTotal,
		m.RefreshTotal,
		m.OpLatencyMS,
	)
	return m
}

// Nop returns a collector set registered on a throwaway registry, for tests
// and for callers that do not expose metrics.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
