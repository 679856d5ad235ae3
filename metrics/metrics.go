// Package metrics provides Prometheus metrics for the gateway data plane.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Collector holds all Prometheus metrics of the data plane. A nil Collector
// is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Exchange metrics
	ExchangesTotal    *prometheus.CounterVec
	ExchangeDuration  *prometheus.HistogramVec
	ExchangesInFlight prometheus.Gauge
	FilterDuration    *prometheus.HistogramVec

	// Accounting metrics
	LedgerDecisions    *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec

	// Backend metrics
	BackendDuration *prometheus.HistogramVec
	BackendErrors   prometheus.Counter

	// Catalog metrics
	CatalogReloads      prometheus.Counter
	CatalogReloadErrors prometheus.Counter
	PlanInvalidations   prometheus.Counter
}

// New creates a collector registered on its own registry, together with the
// Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		ExchangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Total number of exchanges by final state and terminating step",
			},
			[]string{"api_spec_id", "state", "status", "terminated_by"},
		),
		ExchangeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_duration_seconds",
				Help:      "Exchange duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"api_spec_id"},
		),
		ExchangesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "exchanges_in_flight",
				Help:      "Number of exchanges currently executing",
			},
		),
		FilterDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "filter_duration_seconds",
				Help:      "Policy filter execution time in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"policy", "exchange", "outcome"},
		),

		LedgerDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_decisions_total",
				Help:      "Quota ledger decisions by product and result",
			},
			[]string{"product_id", "result"},
		),
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limiter decisions by API and result",
			},
			[]string{"api_spec_id", "result"},
		),

		BackendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_duration_seconds",
				Help:      "Backend call duration in seconds",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"api_spec_id", "status"},
		),
		BackendErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of failed backend calls",
			},
		),

		CatalogReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_reloads_total",
				Help:      "Total number of catalog reloads that changed something",
			},
		),
		CatalogReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_reload_errors_total",
				Help:      "Total number of rejected catalog reloads",
			},
		),
		PlanInvalidations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_invalidations_total",
				Help:      "Total number of policy plans dropped from the cache",
			},
		),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RegisterCacheStats exposes a cache's counters, read at scrape time.
func (c *Collector) RegisterCacheStats(cache string, stats func() (hits, misses uint64, size int)) {
	if c == nil {
		return
	}
	labels := prometheus.Labels{"cache": cache}
	c.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_hits_total",
			Help:        "Cache hits",
			ConstLabels: labels,
		}, func() float64 { h, _, _ := stats(); return float64(h) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_misses_total",
			Help:        "Cache misses",
			ConstLabels: labels,
		}, func() float64 { _, m, _ := stats(); return float64(m) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "cache_entries",
			Help:        "Entries currently cached",
			ConstLabels: labels,
		}, func() float64 { _, _, n := stats(); return float64(n) }),
	)
}

// ExchangeStarted marks an exchange in flight and returns its completion hook.
func (c *Collector) ExchangeStarted() func(apiSpecID, state string, status int, terminatedBy string, d time.Duration) {
	if c == nil {
		return func(string, string, int, string, time.Duration) {}
	}
	c.ExchangesInFlight.Inc()
	return func(apiSpecID, state string, status int, terminatedBy string, d time.Duration) {
		c.ExchangesInFlight.Dec()
		c.ExchangesTotal.WithLabelValues(apiSpecID, state, statusLabel(status), terminatedBy).Inc()
		c.ExchangeDuration.WithLabelValues(apiSpecID).Observe(d.Seconds())
	}
}

// ObserveFilter records one filter execution.
func (c *Collector) ObserveFilter(policy, exchange, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.FilterDuration.WithLabelValues(policy, exchange, outcome).Observe(d.Seconds())
}

// ObserveQuota records a ledger decision.
func (c *Collector) ObserveQuota(productID int64, admitted bool) {
	if c == nil {
		return
	}
	c.LedgerDecisions.WithLabelValues(formatID(productID), result(admitted)).Inc()
}

// ObserveRateLimit records a rate limiter decision.
func (c *Collector) ObserveRateLimit(apiSpecID string, allowed bool) {
	if c == nil {
		return
	}
	c.RateLimitDecisions.WithLabelValues(apiSpecID, result(allowed)).Inc()
}

// ObserveBackend records a backend call. A zero status means the call failed.
func (c *Collector) ObserveBackend(apiSpecID string, status int, d time.Duration) {
	if c == nil {
		return
	}
	if status == 0 {
		c.BackendErrors.Inc()
	}
	c.BackendDuration.WithLabelValues(apiSpecID, statusLabel(status)).Observe(d.Seconds())
}

// CatalogReloaded records a catalog reload attempt.
func (c *Collector) CatalogReloaded(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.CatalogReloadErrors.Inc()
		return
	}
	c.CatalogReloads.Inc()
}

// PlanInvalidated records dropped cached plans.
func (c *Collector) PlanInvalidated(n int) {
	if c == nil {
		return
	}
	c.PlanInvalidations.Add(float64(n))
}
