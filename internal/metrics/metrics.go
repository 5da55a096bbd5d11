// Package metrics holds the prometheus collectors shared by the sync layer and
// the dev API. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cellarsync"

// Metrics is a set of collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queryEvents     *prometheus.CounterVec
	entries         prometheus.Gauge
	mutations       *prometheus.CounterVec
	searches        *prometheus.CounterVec
	apiRequests     *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
}

// New creates and registers every collector. withRuntime adds the Go and
// process collectors, which only make sense for a long-running server.
func New(withRuntime bool) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "HTTP requests issued by the transport, by method and outcome kind.",
		}, []string{"method", "outcome"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Latency of transport requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		queryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "events_total",
			Help:      "Query cache events: hit, stale, fetch, join, error, evict, invalidate.",
		}, []string{"event"}),

		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "entries",
			Help:      "Cache entries currently held.",
		}),

		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "total",
			Help:      "Mutations by outcome (committed, rolled_back).",
		}, []string{"outcome"}),

		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "total",
			Help:      "Debounced searches by outcome (issued, accepted, discarded, cleared).",
		}, []string{"outcome"}),

		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devapi",
			Name:      "requests_total",
			Help:      "Requests served by the dev API.",
		}, []string{"method", "route", "status"}),

		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "devapi",
			Name:      "request_duration_seconds",
			Help:      "Dev API handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.queryEvents,
		m.entries,
		m.mutations,
		m.searches,
		m.apiRequests,
		m.apiDuration,
	)
	if withRuntime {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveRequest records one transport round trip.
func (m *Metrics) ObserveRequest(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// QueryEvent counts a query cache event.
func (m *Metrics) QueryEvent(event string) {
	if m == nil {
		return
	}
	m.queryEvents.WithLabelValues(event).Inc()
}

// SetEntries updates the cache size gauge.
func (m *Metrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}

// Mutation counts a settled mutation.
func (m *Metrics) Mutation(outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(outcome).Inc()
}

// Search counts a search controller event.
func (m *Metrics) Search(outcome string) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(outcome).Inc()
}

// ObserveAPI records one dev API request.
func (m *Metrics) ObserveAPI(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.apiDuration.WithLabelValues(route).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
