// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/dnswall/internal/logging"
)

// Metrics holds all dnswall Prometheus metrics.
type Metrics struct {
	Queries        prometheus.Counter
	QueriesDropped prometheus.Counter
	QueriesNX      prometheus.Counter
	QueriesAnswered prometheus.Counter

	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheEntries prometheus.Gauge

	FakeIPAllocated prometheus.Counter
	FakeIPRecycled  prometheus.Counter
	FakeIPExhausted prometheus.Counter

	UpstreamTimeouts prometheus.Counter
	UpstreamErrors   prometheus.Counter
}

// New creates the dnswall metrics set.
func New() *Metrics {
	return &Metrics{
		Queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswall_queries_total",
			Help: "Total number of DNS queries received",
		}),
		QueriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswall_queries_dropped_total",
			Help: "Total number of queries dropped by policy",
		}),
		QueriesNX: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswall_queries_nxdomain_total",
			Help: "Total number of queries answered NXDOMAIN",
		}),
		QueriesAnswered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswall_queries_answered_total",
			Help: "Total number of queries answered with at least one A record",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswall_cache_hits_total",
			Help: "Total number of answer cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswall_cache_misses_total",
			Help: "Total number of answer cache misses",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnswall_cache_entries",
			Help: "Current number of live answer cache entries",
		}),
		FakeIPAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswall_fakeip_allocated_total",
			Help: "Total number of fake IPs allocated",
		}),
		FakeIPRecycled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswall_fakeip_recycled_total",
			Help: "Total number of fake IPs returned to the recycle stack",
		}),
		FakeIPExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswall_fakeip_exhausted_total",
			Help: "Total number of failed fake IP allocations (pool empty)",
		}),
		UpstreamTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswall_upstream_timeouts_total",
			Help: "Total number of upstream exchanges that timed out",
		}),
		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswall_upstream_errors_total",
			Help: "Total number of failed upstream exchanges",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Queries, m.QueriesDropped, m.QueriesNX, m.QueriesAnswered,
		m.CacheHits, m.CacheMisses, m.CacheEntries,
		m.FakeIPAllocated, m.FakeIPRecycled, m.FakeIPExhausted,
		m.UpstreamTimeouts, m.UpstreamErrors,
	)
}

// Serve exposes the registry on addr under /metrics. It blocks, so callers
// run it in a goroutine.
func Serve(addr string, reg *prometheus.Registry, logger *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics listener started", "addr", addr)
	return http.ListenAndServe(addr, mux)
}
