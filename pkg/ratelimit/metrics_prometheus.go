package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics on a dedicated Prometheus registry.
//
// The registry is private to the instance so tests can create as many as
// they like; cmd/gateway exposes it next to the default registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// decisionsTotal labels: tier, endpoint, result.
	decisionsTotal *prometheus.CounterVec

	// checkDuration buckets target sub-millisecond in-memory checks and
	// single-digit-millisecond Redis round-trips; anything near the store
	// timeout lands in the top buckets.
	checkDuration prometheus.Histogram

	failOpenTotal *prometheus.CounterVec
	bypassTotal   *prometheus.CounterVec

	// loadLevel values: 0=low, 1=normal, 2=high, 3=critical.
	loadLevel prometheus.Gauge

	activeKeys     prometheus.Gauge
	evictionsTotal prometheus.Counter

	// policyReloadsTotal labels: result (success|failure).
	policyReloadsTotal *prometheus.CounterVec

	// circuitState values: 0=closed, 1=half-open, 2=open.
	circuitState prometheus.Gauge
}

// NewPrometheusMetrics creates the admission metrics on a new registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_decisions_total",
				Help: "Admission decisions by tier, endpoint override pattern (or \"other\") and result",
			},
			[]string{"tier", "endpoint", "result"},
		),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "admission_check_duration_seconds",
			Help:    "Duration of admission evaluation",
			Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		failOpenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_fail_open_total",
				Help: "Requests admitted without counting because the window store was unavailable",
			},
			[]string{"reason"},
		),
		bypassTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_bypass_total",
				Help: "Requests admitted by the emergency override",
			},
			[]string{"reason"},
		),
		loadLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_load_level",
			Help: "Load level in effect (0=low, 1=normal, 2=high, 3=critical)",
		}),
		activeKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_active_keys",
			Help: "Live keys in the in-memory window store",
		}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_evictions_total",
			Help: "Keys dropped from the in-memory window store by LRU eviction",
		}),
		policyReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_policy_reloads_total",
				Help: "Limit registry reload attempts by result",
			},
			[]string{"result"},
		),
		circuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_store_circuit_state",
			Help: "Window store circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
	}

	m.registry.MustRegister(
		m.decisionsTotal,
		m.checkDuration,
		m.failOpenTotal,
		m.bypassTotal,
		m.loadLevel,
		m.activeKeys,
		m.evictionsTotal,
		m.policyReloadsTotal,
		m.circuitState,
	)

	return m
}

// Registry returns the registry holding the admission metrics, for use with
// promhttp.HandlerFor.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) RecordDecision(tier Tier, endpoint, result string) {
	m.decisionsTotal.WithLabelValues(string(tier), endpoint, result).Inc()
}

func (m *PrometheusMetrics) RecordCheckDuration(d time.Duration) {
	m.checkDuration.Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordFailOpen(reason string) {
	m.failOpenTotal.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) RecordBypass(reason string) {
	m.bypassTotal.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) SetLoadLevel(level LoadLevel) {
	m.loadLevel.Set(float64(level))
}

func (m *PrometheusMetrics) SetActiveKeys(n int) {
	m.activeKeys.Set(float64(n))
}

func (m *PrometheusMetrics) RecordEviction(n int) {
	m.evictionsTotal.Add(float64(n))
}

func (m *PrometheusMetrics) RecordPolicyReload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.policyReloadsTotal.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) SetCircuitState(state int) {
	m.circuitState.Set(float64(state))
}
