// Package metrics owns the Prometheus collectors for the façade.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors on a private registry so multiple servers
// in one process do not collide. All observe methods are nil-safe.
type Metrics struct {
	registry *prometheus.Registry

	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	cacheEvents      *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpInFlight     prometheus.Gauge
}

// New builds and registers the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ociwrap_upstream_requests_total",
			Help: "Requests issued to upstream OCI registries.",
		}, []string{"backend", "method", "code"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ociwrap_upstream_request_seconds",
			Help:    "Latency of upstream OCI requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ociwrap_cache_events_total",
			Help: "Response cache events by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ociwrap_http_requests_total",
			Help: "Requests served by the xRegistry surface.",
		}, []string{"code", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ociwrap_http_in_flight_requests",
			Help: "Requests currently being served.",
		}),
	}
	reg.MustRegister(
		m.upstreamRequests,
		m.upstreamDuration,
		m.cacheEvents,
		m.httpRequests,
		m.httpInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpstream records one upstream request. A zero code means the request
// failed before a response arrived.
func (m *Metrics) ObserveUpstream(backend, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(backend, method, strconv.Itoa(code)).Inc()
	m.upstreamDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// Cache event results.
const (
	CacheHit        = "hit"
	CacheMiss       = "miss"
	CacheWrite      = "write"
	CacheWriteError = "write_error"
)

// ObserveCache records one response cache event.
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(result).Inc()
}

// ObserveHTTP records one served request against its route pattern.
func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(strconv.Itoa(code), route).Inc()
}

// TrackInFlight adjusts the in-flight gauge by delta.
func (m *Metrics) TrackInFlight(delta float64) {
	if m == nil {
		return
	}
	m.httpInFlight.Add(delta)
}
