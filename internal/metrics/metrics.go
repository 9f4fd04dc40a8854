// Package metrics exposes relay activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame directions.
const (
	Inbound  = "inbound"  // client to target
	Outbound = "outbound" // target to client
)

// Relay error types.
const (
	ErrDial     = "dial"
	ErrUpstream = "upstream"
	ErrWrite    = "client_write"
)

// Collector owns a private registry so several proxies can run in one
// process, as tests do. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsSessions      *prometheus.CounterVec
	framesTotal     *prometheus.CounterVec
	activeTasks     *prometheus.GaugeVec
	relayErrors     *prometheus.CounterVec
}

// New creates a collector. If registry is nil a fresh one is created.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayview_http_requests_total",
				Help: "Total number of relayed HTTP requests, labeled by method and status class.",
			},
			[]string{"method", "class"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relayview_http_request_duration_seconds",
				Help:    "Histogram of relayed HTTP request latencies in seconds, labeled by method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		wsSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayview_websocket_sessions_total",
				Help: "Total number of relayed WebSocket sessions, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayview_websocket_frames_total",
				Help: "Total number of relayed WebSocket messages, labeled by direction.",
			},
			[]string{"direction"},
		),
		activeTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relayview_active_tasks",
				Help: "Number of connections currently being relayed, labeled by kind.",
			},
			[]string{"kind"},
		),
		relayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayview_relay_errors_total",
				Help: "Total number of relay errors, labeled by error type.",
			},
			[]string{"type"}, // dial, upstream, client_write
		),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.wsSessions,
		c.framesTotal,
		c.activeTasks,
		c.relayErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// TaskStarted increments the active gauge for kind.
func (c *Collector) TaskStarted(kind string) {
	if c == nil {
		return
	}
	c.activeTasks.WithLabelValues(kind).Inc()
}

// TaskCompleted decrements the active gauge for kind.
func (c *Collector) TaskCompleted(kind string) {
	if c == nil {
		return
	}
	c.activeTasks.WithLabelValues(kind).Dec()
}

// ObserveRequest records a finished HTTP relay. status is 0 when no
// response was received.
func (c *Collector) ObserveRequest(method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(method, StatusClass(status)).Inc()
	c.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveSession records a finished WebSocket relay.
func (c *Collector) ObserveSession(outcome string) {
	if c == nil {
		return
	}
	c.wsSessions.WithLabelValues(outcome).Inc()
}

// Frame counts one relayed WebSocket message.
func (c *Collector) Frame(direction string) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(direction).Inc()
}

// RelayError counts one relay error of the given type.
func (c *Collector) RelayError(kind string) {
	if c == nil {
		return
	}
	c.relayErrors.WithLabelValues(kind).Inc()
}

// Handler returns the Prometheus scrape handler for the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// StatusClass returns "1xx" through "5xx", or "unknown" outside 100-599.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
