// Package slo tracks the gateway's service level indicators over a rolling
// window and publishes them as gauges next to their targets.
package slo

import (
	"math"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"admission-gateway/internal/handler/http/responsewriter"
)

// SLO targets.
const (
	// AvailabilitySLO is the target share of non-5xx responses, in percent.
	AvailabilitySLO = 99.9

	// LatencyP95SLO is the p95 latency target in seconds.
	LatencyP95SLO = 0.200

	// LatencyP99SLO is the p99 latency target in seconds.
	LatencyP99SLO = 0.500

	// ErrorRateSLO is the highest acceptable 5xx ratio.
	ErrorRateSLO = 0.001

	// FailOpenSLO is the highest acceptable share of decisions made without
	// the window store.
	FailOpenSLO = 0.01
)

// DegradedHeader marks responses admitted in fail-open mode.
const DegradedHeader = "X-RateLimit-Degraded"

// Defaults for NewTracker.
const (
	DefaultWindow   = 5 * time.Minute
	DefaultCapacity = 50000
)

type sample struct {
	at          time.Time
	latency     time.Duration
	serverError bool
	degraded    bool
}

// Report is one evaluation of the indicators.
type Report struct {
	Requests      int
	Availability  float64
	ErrorRate     float64
	FailOpenRatio float64
	LatencyP95    time.Duration
	LatencyP99    time.Duration
}

// Met reports whether every indicator is within its target.
func (r Report) Met() bool {
	return r.Availability*100 >= AvailabilitySLO &&
		r.ErrorRate <= ErrorRateSLO &&
		r.FailOpenRatio <= FailOpenSLO &&
		r.LatencyP95.Seconds() <= LatencyP95SLO &&
		r.LatencyP99.Seconds() <= LatencyP99SLO
}

// Tracker keeps the most recent requests in a bounded ring and recomputes
// the indicators on Update. Samples older than the window are ignored.
type Tracker struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	samples []sample
	next    int
	full    bool

	availability prometheus.Gauge
	latencyP95   prometheus.Gauge
	latencyP99   prometheus.Gauge
	errorRate    prometheus.Gauge
	failOpen     prometheus.Gauge
}

// NewTracker registers the SLO gauges with reg.
// Non-positive window or capacity select the defaults.
func NewTracker(reg prometheus.Registerer, window time.Duration, capacity int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	f := promauto.With(reg)
	return &Tracker{
		window:  window,
		now:     time.Now,
		samples: make([]sample, capacity),

		availability: f.NewGauge(prometheus.GaugeOpts{
			Name: "slo_availability_ratio",
			Help: "Current availability ratio (0-1), target: 0.999",
		}),
		latencyP95: f.NewGauge(prometheus.GaugeOpts{
			Name: "slo_latency_p95_seconds",
			Help: "Current p95 latency in seconds, target: 0.200",
		}),
		latencyP99: f.NewGauge(prometheus.GaugeOpts{
			Name: "slo_latency_p99_seconds",
			Help: "Current p99 latency in seconds, target: 0.500",
		}),
		errorRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "slo_error_rate_ratio",
			Help: "Current error rate ratio (0-1), target: 0.001",
		}),
		failOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "slo_fail_open_ratio",
			Help: "Share of admission decisions made without the window store (0-1), target: 0.01",
		}),
	}
}

// Observe records one finished request.
func (t *Tracker) Observe(status int, latency time.Duration, degraded bool) {
	s := sample{
		at:          t.now(),
		latency:     latency,
		serverError: status >= 500,
		degraded:    degraded,
	}

	t.mu.Lock()
	t.samples[t.next] = s
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.full = true
	}
	t.mu.Unlock()
}

// Middleware observes every request passing through it.
func (t *Tracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := responsewriter.Wrap(w)
		next.ServeHTTP(rw, r)
		t.Observe(rw.StatusCode(), time.Since(start), rw.Header().Get(DegradedHeader) == "true")
	})
}

// Update recomputes the indicators and sets the gauges. With no requests in
// the window every ratio reports the healthy value.
func (t *Tracker) Update() Report {
	cutoff := t.now().Add(-t.window)

	t.mu.Lock()
	n := t.next
	if t.full {
		n = len(t.samples)
	}
	latencies := make([]time.Duration, 0, n)
	var errors, degraded int
	for i := 0; i < n; i++ {
		s := t.samples[i]
		if s.at.Before(cutoff) {
			continue
		}
		latencies = append(latencies, s.latency)
		if s.serverError {
			errors++
		}
		if s.degraded {
			degraded++
		}
	}
	t.mu.Unlock()

	r := Report{Requests: len(latencies), Availability: 1}
	if r.Requests > 0 {
		total := float64(r.Requests)
		r.ErrorRate = float64(errors) / total
		r.Availability = 1 - r.ErrorRate
		r.FailOpenRatio = float64(degraded) / total

		slices.Sort(latencies)
		r.LatencyP95 = percentile(latencies, 0.95)
		r.LatencyP99 = percentile(latencies, 0.99)
	}

	t.availability.Set(r.Availability)
	t.errorRate.Set(r.ErrorRate)
	t.failOpen.Set(r.FailOpenRatio)
	t.latencyP95.Set(r.LatencyP95.Seconds())
	t.latencyP99.Set(r.LatencyP99.Seconds())
	return r
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[min(rank, len(sorted))-1]
}
