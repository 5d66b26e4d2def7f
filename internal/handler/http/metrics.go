package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"admission-gateway/internal/handler/http/pathutil"
	"admission-gateway/internal/handler/http/responsewriter"
)

// HTTPMetrics are the transport-level metrics of the gateway. The path
// label comes from a fixed vocabulary so that a catch-all proxy route
// cannot grow the series count.
type HTTPMetrics struct {
	label func(path string) string

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
	requestSize      *prometheus.HistogramVec
	responseSize     *prometheus.HistogramVec
	upstreamErrors   *prometheus.CounterVec
}

// MetricsOption configures HTTPMetrics.
type MetricsOption func(*HTTPMetrics)

// WithPathLabel sets the function mapping a request path onto its path
// label. It must return a bounded set of values.
func WithPathLabel(label func(path string) string) MetricsOption {
	return func(m *HTTPMetrics) {
		m.label = label
	}
}

// NewHTTPMetrics registers the HTTP metrics with reg. Without WithPathLabel
// every path is labelled pathutil.OtherLabel.
func NewHTTPMetrics(reg prometheus.Registerer, opts ...MetricsOption) *HTTPMetrics {
	f := promauto.With(reg)
	m := &HTTPMetrics{
		label: pathutil.NewVocabulary(nil).Label,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		// 5ms to 10s, enough resolution for p95/p99 of proxied calls.
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "path", "status"}),

		requestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		}),

		requestSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		}, []string{"method", "path"}),

		responseSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		}, []string{"method", "path"}),

		upstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Proxied requests that failed before the upstream answered",
		}, []string{"reason"}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Middleware records request metrics.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requestsInFlight.Inc()
		defer m.requestsInFlight.Dec()

		path := m.label(r.URL.Path)
		if r.ContentLength > 0 {
			m.requestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
		}

		rw := responsewriter.Wrap(w)
		start := time.Now()
		next.ServeHTTP(rw, r)
		duration := time.Since(start).Seconds()

		status := strconv.Itoa(rw.StatusCode())
		m.requestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
		m.responseSize.WithLabelValues(r.Method, path).Observe(float64(rw.BytesWritten()))
	})
}

// RecordUpstreamError counts a failed proxy round trip.
func (m *HTTPMetrics) RecordUpstreamError(reason string) {
	m.upstreamErrors.WithLabelValues(reason).Inc()
}

// MetricsHandler serves every gatherer on one endpoint.
func MetricsHandler(gatherers ...prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(prometheus.Gatherers(gatherers), promhttp.HandlerOpts{})
}
