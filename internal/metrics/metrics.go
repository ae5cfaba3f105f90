// Package metrics exposes Prometheus metrics for stream ports and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eachlabs/streamport/internal/port"
)

// Metrics holds every collector. It implements port.Observer.
type Metrics struct {
	gatherer prometheus.Gatherer

	// ChannelsOpened counts channels handed to a handler
	ChannelsOpened *prometheus.CounterVec

	// ChannelsClosed counts terminated channels by outcome
	ChannelsClosed *prometheus.CounterVec

	// ActiveChannels tracks channels that have not terminated yet
	ActiveChannels *prometheus.GaugeVec

	// CallsStarted counts accepted start messages
	CallsStarted *prometheus.CounterVec

	// Responses counts responses written, by type
	Responses *prometheus.CounterVec

	// SendFailures counts responses the transport failed to write
	SendFailures *prometheus.CounterVec

	// ChannelDuration tracks how long channels stay open
	ChannelDuration *prometheus.HistogramVec

	// RequestsTotal counts HTTP requests
	RequestsTotal *prometheus.CounterVec

	// RequestDuration tracks HTTP request latency
	RequestDuration *prometheus.HistogramVec

	// RateLimited counts connections rejected by the rate limiter
	RateLimited prometheus.Counter
}

// New registers all collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		ChannelsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamport_channels_opened_total",
				Help: "Total number of channels opened",
			},
			[]string{"port"},
		),
		ChannelsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamport_channels_closed_total",
				Help: "Total number of channels closed",
			},
			[]string{"port", "outcome"},
		),
		ActiveChannels: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "streamport_active_channels",
				Help: "Number of open channels",
			},
			[]string{"port"},
		),
		CallsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamport_calls_started_total",
				Help: "Total number of accepted start messages",
			},
			[]string{"port"},
		),
		Responses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamport_responses_total",
				Help: "Total number of responses written",
			},
			[]string{"port", "type"},
		),
		SendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamport_send_failures_total",
				Help: "Total number of responses the transport failed to write",
			},
			[]string{"port"},
		),
		ChannelDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamport_channel_duration_seconds",
				Help:    "Channel lifetime in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"port", "outcome"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamport_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamport_http_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "streamport_rate_limited_total",
				Help: "Total number of connections rejected by the rate limiter",
			},
		),
	}
}

func (m *Metrics) ChannelOpened(portName string) {
	m.ChannelsOpened.WithLabelValues(portName).Inc()
	m.ActiveChannels.WithLabelValues(portName).Inc()
}

func (m *Metrics) CallStarted(portName string) {
	m.CallsStarted.WithLabelValues(portName).Inc()
}

func (m *Metrics) ResponseSent(portName, typ string) {
	m.Responses.WithLabelValues(portName, typ).Inc()
}

func (m *Metrics) SendFailed(portName string) {
	m.SendFailures.WithLabelValues(portName).Inc()
}

func (m *Metrics) ChannelClosed(portName string, outcome port.Outcome, lifetime time.Duration) {
	m.ActiveChannels.WithLabelValues(portName).Dec()
	m.ChannelsClosed.WithLabelValues(portName, string(outcome)).Inc()
	m.ChannelDuration.WithLabelValues(portName, string(outcome)).Observe(lifetime.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware creates an HTTP middleware that records metrics. Websocket
// upgrades pass through unwrapped so the connection can be hijacked.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := normalizePath(r.URL.Path)
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			m.RequestsTotal.WithLabelValues(r.Method, path, "101").Inc()
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch {
	case path == "/healthz", path == "/metrics", path == "/ports":
		return path
	case strings.HasPrefix(path, "/ports/"):
		return "/ports/{name}"
	case strings.HasPrefix(path, "/v1/"):
		return "/v1/{name}"
	default:
		return "other"
	}
}
