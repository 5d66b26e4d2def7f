// Package http holds the gateway's own HTTP surface: health probes,
// metrics, request logging and the admin API for admission control.
package http

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"admission-gateway/internal/handler/http/respond"
	"admission-gateway/pkg/ratelimit"
)

// Check states.
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]CheckStatus `json:"checks"`
	Version   string                 `json:"version"`
}

// CheckStatus is the result of one check.
type CheckStatus struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Pinger is a dependency that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KeyCounter reports how many windows a store holds.
type KeyCounter interface {
	KeyCount(ctx context.Context) (int, error)
}

// HealthHandler reports the state of the gateway and its dependencies.
//
// The gateway fails open, so an unreachable window store or audit database
// makes the report "degraded" but never turns the response into a 503.
type HealthHandler struct {
	Version string

	// Store is the shared window store, if any.
	Store Pinger
	// Keys reports the in-process window count, if any.
	Keys KeyCounter
	// BreakerState returns the window store circuit state.
	BreakerState func() string

	// DB is the audit database, if configured.
	DB *sql.DB

	Registry *ratelimit.Registry
	Override *ratelimit.EmergencyOverride
	Load     *ratelimit.LoadMonitor
	// Sampler reports requests currently inside the transports, if any.
	Sampler *ratelimit.RuntimeSampler
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]CheckStatus{
		"admission": h.checkAdmission(ctx),
	}
	if h.Store != nil {
		checks["window_store"] = h.checkStore(ctx)
	}
	if h.DB != nil {
		checks["audit_database"] = h.checkDatabase(ctx)
	}

	overall := statusHealthy
	for _, c := range checks {
		if c.Status != statusHealthy {
			overall = statusDegraded
		}
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	respond.JSON(w, http.StatusOK, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Version:   h.Version,
	})
}

func (h *HealthHandler) checkAdmission(ctx context.Context) CheckStatus {
	details := map[string]any{}
	if h.Registry != nil {
		details["policy_version"] = h.Registry.Version()
		details["policy_loaded_at"] = h.Registry.LoadedAt().UTC().Format(time.RFC3339)
	}
	if h.Override != nil {
		details["emergency_mode"] = h.Override.EmergencyMode()
	}
	if h.Load != nil {
		details["load_level"] = h.Load.Level().String()
		details["load_pinned"] = h.Load.Overridden()
	}
	if h.Sampler != nil {
		details["in_flight"] = h.Sampler.InFlight()
	}
	if h.Keys != nil {
		if n, err := h.Keys.KeyCount(ctx); err == nil {
			details["active_keys"] = n
		}
	}
	return CheckStatus{Status: statusHealthy, Details: details}
}

func (h *HealthHandler) checkStore(ctx context.Context) CheckStatus {
	details := map[string]any{}
	state := "not_configured"
	if h.BreakerState != nil {
		state = h.BreakerState()
	}
	details["circuit_breaker"] = state

	if err := h.Store.Ping(ctx); err != nil {
		return CheckStatus{Status: statusUnhealthy, Message: "window store unreachable, failing open", Details: details}
	}
	if state == "open" || state == "half-open" {
		return CheckStatus{Status: statusDegraded, Message: "circuit breaker " + state, Details: details}
	}
	return CheckStatus{Status: statusHealthy, Details: details}
}

func (h *HealthHandler) checkDatabase(ctx context.Context) CheckStatus {
	if err := h.DB.PingContext(ctx); err != nil {
		slog.Warn("audit database ping failed", slog.String("error", err.Error()))
		return CheckStatus{Status: statusUnhealthy, Message: "audit database unreachable"}
	}

	stats := h.DB.Stats()
	details := map[string]any{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
	if stats.MaxOpenConnections > 0 {
		util := float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
		details["utilization_percent"] = util
		if util >= 80 {
			return CheckStatus{Status: statusDegraded, Message: "connection pool utilization above 80%", Details: details}
		}
	}
	return CheckStatus{Status: statusHealthy, Details: details}
}

// ReadyHandler answers readiness probes. It is not ready until startup
// completes and again once shutdown begins.
type ReadyHandler struct {
	ready atomic.Bool
}

// SetReady flips readiness.
func (h *ReadyHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// ServeHTTP implements http.Handler.
func (h *ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// LiveHandler answers liveness probes.
type LiveHandler struct{}

// ServeHTTP implements http.Handler.
func (LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
