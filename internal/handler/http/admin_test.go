package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-gateway/internal/audit"
	"admission-gateway/internal/handler/http/auth"
	"admission-gateway/internal/usecase/admission"
	"admission-gateway/pkg/ratelimit"
)

const adminSecret = "admin-test-secret-0123456789abcdef"

type adminFixture struct {
	mux     *http.ServeMux
	control *admission.Control
	log     *audit.MemoryLog
	policy  ratelimit.PolicySet
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	set := ratelimit.DefaultPolicySet()
	set.Endpoints = []ratelimit.EndpointOverride{
		{Pattern: "/api/v1/chat", Policy: ratelimit.LimitPolicy{Requests: 10, Window: time.Minute, Burst: 20}},
	}
	reg, err := ratelimit.NewRegistry(set)
	require.NoError(t, err)
	load, err := ratelimit.NewLoadMonitor(ratelimit.LoadMonitorConfig{
		Sampler: ratelimit.LoadSamplerFunc(func(context.Context) (float64, error) { return 5, nil }),
	})
	require.NoError(t, err)

	f := &adminFixture{mux: http.NewServeMux(), log: audit.NewMemoryLog(50), policy: set}
	f.control = &admission.Control{
		Registry: reg,
		Override: ratelimit.NewEmergencyOverride(reg, []string{auth.RoleAdmin}),
		Load:     load,
		Policies: func() (ratelimit.PolicySet, error) { return f.policy, nil },
		Audit:    f.log,
	}
	RegisterAdmin(f.mux, auth.NewVerifier(adminSecret), f.control, f.log, f.log)
	return f
}

func (f *adminFixture) do(t *testing.T, method, path, role, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if role != "" {
		tok, err := auth.Issue(adminSecret, "ops-1", role, time.Hour, time.Now())
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_RequiresAdminRole(t *testing.T) {
	f := newAdminFixture(t)

	tests := []struct {
		name string
		role string
		want int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"patient", auth.RolePatient, http.StatusForbidden},
		{"provider", auth.RoleProvider, http.StatusForbidden},
		{"admin", auth.RoleAdmin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/admin/ratelimit/status", tt.role, "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdmin_Status(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/ratelimit/status", auth.RoleAdmin, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, false, body["emergency_mode"])
	assert.Equal(t, "normal", body["load_level"])
	assert.Equal(t, map[string]any{"requests": float64(30), "window": "1m0s", "burst": float64(60)}, body["fallback"])

	tiers := body["tiers"].(map[string]any)
	assert.Contains(t, tiers, "provider")
	assert.Contains(t, body["emergency_keywords"], "chest pain")

	endpoints := body["endpoints"].([]any)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "/api/v1/chat", endpoints[0].(map[string]any)["pattern"])
}

func TestAdmin_Emergency(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/ratelimit/emergency", auth.RoleAdmin, `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"emergency_mode":true,"broadcasted":false}`, rec.Body.String())
	assert.True(t, f.control.Override.EmergencyMode())

	events := f.log.Recent(0)
	require.Len(t, events, 1)
	assert.Equal(t, ratelimit.AuditEventEmergencyMode, events[0].Type)
	assert.Equal(t, ratelimit.HashIdentity("ops-1"), events[0].Identity)

	rec = f.do(t, http.MethodPost, "/admin/ratelimit/emergency", auth.RoleAdmin, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.control.Override.EmergencyMode())
}

func TestAdmin_EmergencyRejectsBadBody(t *testing.T) {
	f := newAdminFixture(t)

	for _, body := range []string{``, `{}`, `{"enabled":"yes"}`, `{"enabled":true,"extra":1}`} {
		t.Run(body, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/admin/ratelimit/emergency", auth.RoleAdmin, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, f.control.Override.EmergencyMode())
		})
	}
}

func TestAdmin_Load(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/ratelimit/load", auth.RoleAdmin, `{"level":"critical"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"load_level":"critical","pinned":true}`, rec.Body.String())
	assert.Equal(t, ratelimit.LoadCritical, f.control.Load.Level())

	rec = f.do(t, http.MethodPost, "/admin/ratelimit/load", auth.RoleAdmin, `{"level":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.control.Load.Overridden())

	rec = f.do(t, http.MethodPost, "/admin/ratelimit/load", auth.RoleAdmin, `{"level":"apocalyptic"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_Reload(t *testing.T) {
	f := newAdminFixture(t)
	before := f.control.Registry.Version()

	f.policy.Tiers[ratelimit.TierPatient] = ratelimit.LimitPolicy{Requests: 5, Window: time.Minute, Burst: 5}
	rec := f.do(t, http.MethodPost, "/admin/ratelimit/reload", auth.RoleAdmin, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var res admission.ReloadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Greater(t, res.Version, before)
	assert.Equal(t, 5, f.control.Registry.Resolve(ratelimit.TierPatient, "/x").Requests)
}

func TestAdmin_ReloadInvalidPolicy(t *testing.T) {
	f := newAdminFixture(t)
	before := f.control.Registry.Version()

	f.control.Policies = func() (ratelimit.PolicySet, error) {
		return ratelimit.PolicySet{}, fmt.Errorf("%w: burst (1) must be >= requests (2)", ratelimit.ErrInvalidPolicy)
	}
	rec := f.do(t, http.MethodPost, "/admin/ratelimit/reload", auth.RoleAdmin, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "burst (1)")
	assert.Equal(t, before, f.control.Registry.Version())
}

func TestAdmin_ReloadSourceFailureHidesDetail(t *testing.T) {
	f := newAdminFixture(t)
	f.control.Policies = func() (ratelimit.PolicySet, error) {
		return ratelimit.PolicySet{}, errors.New("open /etc/secret/policies.yaml: permission denied")
	}

	rec := f.do(t, http.MethodPost, "/admin/ratelimit/reload", auth.RoleAdmin, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/etc/secret")
}

func TestAdmin_Audit(t *testing.T) {
	f := newAdminFixture(t)
	now := time.Now()

	for i, ev := range []ratelimit.AuditEvent{
		{Type: ratelimit.AuditEventEmergencyBypass, Severity: ratelimit.SeverityMedium, Reason: "keyword:chest pain"},
		{Type: ratelimit.AuditEventEmergencyBypass, Severity: ratelimit.SeverityMedium, Reason: "keyword:stroke"},
		{Type: ratelimit.AuditEventEmergencyMode, Severity: ratelimit.SeverityHigh, Reason: "emergency_mode_on"},
	} {
		ev.ID = fmt.Sprintf("ev-%d", i)
		ev.Timestamp = now.Add(-time.Duration(i) * time.Minute)
		require.NoError(t, f.log.Record(context.Background(), ev))
	}

	rec := f.do(t, http.MethodGet, "/admin/ratelimit/audit", auth.RoleAdmin, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body AuditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 2, body.BySeverity[ratelimit.SeverityMedium])
	assert.Equal(t, 2, body.ByReason["keyword"])
	assert.Equal(t, 1, body.ByType[ratelimit.AuditEventEmergencyMode])
	require.NotNil(t, body.LastHighSeverity)
	assert.True(t, body.LastHighSeverity.Equal(now.Add(-2*time.Minute)))
	assert.Equal(t, 100-10-3-3, body.SecurityScore)
	assert.Len(t, body.Recent, 3)
}

type failingSummary struct{}

func (failingSummary) Summary(context.Context, time.Time) (audit.Summary, error) {
	return audit.Summary{}, errors.New("pq: connection refused")
}

func TestAuditHandler_SummaryError(t *testing.T) {
	rec := httptest.NewRecorder()
	AuditHandler{Summary: failingSummary{}}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}
