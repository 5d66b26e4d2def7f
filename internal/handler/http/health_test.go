package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-gateway/pkg/ratelimit"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubKeys int

func (k stubKeys) KeyCount(context.Context) (int, error) { return int(k), nil }

func getHealth(t *testing.T, h http.Handler) HealthResponse {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthHandler_Healthy(t *testing.T) {
	reg, err := ratelimit.NewRegistry(ratelimit.DefaultPolicySet())
	require.NoError(t, err)
	sampler := ratelimit.NewRuntimeSampler(100, 0)
	for i := 0; i < 2; i++ {
		defer sampler.Begin()()
	}

	resp := getHealth(t, &HealthHandler{
		Version:      "1.2.3",
		Store:        stubPinger{},
		Keys:         stubKeys(7),
		Sampler:      sampler,
		BreakerState: func() string { return "closed" },
		Registry:     reg,
		Override:     ratelimit.NewEmergencyOverride(reg, nil),
	})

	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["window_store"].Status)
	assert.Equal(t, "closed", resp.Checks["window_store"].Details["circuit_breaker"])
	assert.Equal(t, float64(7), resp.Checks["admission"].Details["active_keys"])
	assert.Equal(t, float64(2), resp.Checks["admission"].Details["in_flight"])
	assert.Equal(t, false, resp.Checks["admission"].Details["emergency_mode"])
	assert.NotContains(t, resp.Checks, "audit_database")
}

func TestHealthHandler_StoreDownIsDegraded(t *testing.T) {
	tests := []struct {
		name    string
		ping    error
		breaker string
		check   string
	}{
		{"unreachable", errors.New("dial tcp: connection refused"), "open", "unhealthy"},
		{"breaker half-open", nil, "half-open", "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := getHealth(t, &HealthHandler{
				Store:        stubPinger{err: tt.ping},
				BreakerState: func() string { return tt.breaker },
			})
			assert.Equal(t, "degraded", resp.Status)
			assert.Equal(t, tt.check, resp.Checks["window_store"].Status)
		})
	}
}

func TestHealthHandler_Database(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing()

		resp := getHealth(t, &HealthHandler{DB: db})
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "healthy", resp.Checks["audit_database"].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unreachable", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		resp := getHealth(t, &HealthHandler{DB: db})
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "unhealthy", resp.Checks["audit_database"].Status)
		assert.Equal(t, "audit database unreachable", resp.Checks["audit_database"].Message)
	})
}

func TestReadyHandler(t *testing.T) {
	h := &ReadyHandler{}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())

	h.SetReady(false)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LiveHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}
