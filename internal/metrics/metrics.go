// Package metrics exports query cache and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/query"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dashboard"

var _ query.Hooks = (*Metrics)(nil)

// Metrics implements query.Hooks and records HTTP requests. Labels are
// domain and resource only; params never become label values.
type Metrics struct {
	registry *prometheus.Registry

	lookups      *prometheus.CounterVec
	fetches      *prometheus.HistogramVec
	coalesced    *prometheus.CounterVec
	invalidated  *prometheus.CounterVec
	evicted      *prometheus.CounterVec
	mismatches   *prometheus.CounterVec
	sessions     prometheus.Gauge
	httpRequests *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_lookups_total",
			Help:      "Query cache reads by result (hit or miss).",
		}, []string{"domain", "resource", "result"}),
		fetches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_fetch_duration_seconds",
			Help:      "Duration of backend fetches including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain", "resource", "status"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_fetch_coalesced_total",
			Help:      "Callers that shared an in-flight fetch.",
		}, []string{"domain", "resource"}),
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_invalidated_entries_total",
			Help:      "Entries marked stale by invalidation.",
		}, []string{"domain"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_evicted_entries_total",
			Help:      "Inactive entries removed by garbage collection.",
		}, []string{"domain"}),
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_hydration_mismatches_total",
			Help:      "Session reads that missed a hydrated entry of the same resource.",
		}, []string{"domain", "resource"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Browser sessions holding a query client.",
		}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}

	m.registry.MustRegister(
		m.lookups, m.fetches, m.coalesced, m.invalidated, m.evicted,
		m.mismatches, m.sessions, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit(key cache.Key) {
	m.lookups.WithLabelValues(key.Domain(), key.Resource(), "hit").Inc()
}

func (m *Metrics) CacheMiss(key cache.Key) {
	m.lookups.WithLabelValues(key.Domain(), key.Resource(), "miss").Inc()
}

func (m *Metrics) FetchStarted(cache.Key) {}

func (m *Metrics) FetchFinished(key cache.Key, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.fetches.WithLabelValues(key.Domain(), key.Resource(), status).Observe(d.Seconds())
}

func (m *Metrics) Coalesced(key cache.Key) {
	m.coalesced.WithLabelValues(key.Domain(), key.Resource()).Inc()
}

func (m *Metrics) Invalidated(prefix string, entries int) {
	if entries == 0 {
		return
	}
	domain, _, _ := strings.Cut(prefix, cache.KeySeparator)
	m.invalidated.WithLabelValues(domain).Add(float64(entries))
}

func (m *Metrics) Evicted(key cache.Key) {
	m.evicted.WithLabelValues(key.Domain()).Inc()
}

func (m *Metrics) HydrationMismatch(requested, _ cache.Key) {
	m.mismatches.WithLabelValues(requested.Domain(), requested.Resource()).Inc()
}

// SessionOpened and SessionClosed track the active session count.
func (m *Metrics) SessionOpened() { m.sessions.Inc() }

func (m *Metrics) SessionClosed() { m.sessions.Dec() }

// ObserveRequest records one HTTP request. route is the router pattern, not the path.
func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// WatchLookupCache exports the traffic of the shared scope lookup cache. The
// values are read from r at scrape time.
func (m *Metrics) WatchLookupCache(r cache.StatsReporter) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scope_lookups_total",
			Help:      "Scope lookups served by the shared lookup cache.",
		}, func() float64 { return float64(r.Stats().Lookups) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scope_lookup_fetches_total",
			Help:      "Scope lookups that reached the backend.",
		}, func() float64 { return float64(r.Stats().Fetches) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scope_lookup_entries",
			Help:      "Scope lookups currently cached.",
		}, func() float64 { return float64(r.Stats().Entries) }),
	)
}
