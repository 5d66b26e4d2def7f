package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"admission-gateway/internal/audit"
	"admission-gateway/internal/handler/http/auth"
	"admission-gateway/internal/handler/http/respond"
	"admission-gateway/internal/usecase/admission"
	"admission-gateway/pkg/ratelimit"
)

const maxAdminBody = 4 << 10

// AdminControl is the subset of admission.Control the admin API drives.
type AdminControl interface {
	Status() admission.Status
	Reload(ctx context.Context) (admission.ReloadResult, error)
	SetEmergency(ctx context.Context, on bool, actor string) (bool, error)
	PinLoad(level string) (ratelimit.LoadLevel, error)
}

// AdminPaths are the paths RegisterAdmin mounts.
var AdminPaths = []string{
	"/admin/ratelimit/status",
	"/admin/ratelimit/emergency",
	"/admin/ratelimit/load",
	"/admin/ratelimit/reload",
	"/admin/ratelimit/audit",
}

// RegisterAdmin mounts the admission admin API under /admin/ratelimit.
// Every route requires a token with the admin role. recent may be nil.
func RegisterAdmin(mux *http.ServeMux, v *auth.Verifier, ctl AdminControl, sum audit.Summarizer, recent RecentEvents) {
	guard := auth.RequireRole(v, auth.RoleAdmin)

	mux.Handle("GET /admin/ratelimit/status", guard(StatusHandler{ctl}))
	mux.Handle("POST /admin/ratelimit/emergency", guard(EmergencyHandler{ctl}))
	mux.Handle("POST /admin/ratelimit/load", guard(LoadHandler{ctl}))
	mux.Handle("POST /admin/ratelimit/reload", guard(ReloadHandler{ctl}))
	mux.Handle("GET /admin/ratelimit/audit", guard(AuditHandler{Summary: sum, Recent: recent}))
}

// PolicyView is the JSON form of a limit policy.
type PolicyView struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"`
	Burst    int    `json:"burst"`
}

// EndpointView is the JSON form of an endpoint override.
type EndpointView struct {
	Pattern string `json:"pattern"`
	Tier    string `json:"tier,omitempty"`
	PolicyView
}

// StatusResponse is the body of GET /admin/ratelimit/status.
type StatusResponse struct {
	admission.Status
	Fallback  PolicyView            `json:"fallback"`
	Tiers     map[string]PolicyView `json:"tiers"`
	Endpoints []EndpointView        `json:"endpoints,omitempty"`
	Keywords  []string              `json:"emergency_keywords"`
}

func policyView(p ratelimit.LimitPolicy) PolicyView {
	return PolicyView{Requests: p.Requests, Window: p.Window.String(), Burst: p.Burst}
}

// NewStatusResponse renders st for the admin API.
func NewStatusResponse(st admission.Status) StatusResponse {
	resp := StatusResponse{
		Status:   st,
		Fallback: policyView(st.Policies.Fallback),
		Tiers:    make(map[string]PolicyView, len(st.Policies.Tiers)),
		Keywords: st.Policies.EmergencyKeywords,
	}
	for tier, p := range st.Policies.Tiers {
		resp.Tiers[string(tier)] = policyView(p)
	}
	for _, o := range st.Policies.Endpoints {
		resp.Endpoints = append(resp.Endpoints, EndpointView{
			Pattern:    o.Pattern,
			Tier:       string(o.Tier),
			PolicyView: policyView(o.Policy),
		})
	}
	sort.Slice(resp.Endpoints, func(i, j int) bool {
		if resp.Endpoints[i].Pattern != resp.Endpoints[j].Pattern {
			return resp.Endpoints[i].Pattern < resp.Endpoints[j].Pattern
		}
		return resp.Endpoints[i].Tier < resp.Endpoints[j].Tier
	})
	if resp.Keywords == nil {
		resp.Keywords = []string{}
	}
	return resp
}

// StatusHandler reports policies, emergency mode and load.
type StatusHandler struct{ Control AdminControl }

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, NewStatusResponse(h.Control.Status()))
}

type emergencyRequest struct {
	Enabled *bool `json:"enabled"`
}

// EmergencyHandler turns process-wide emergency mode on or off.
type EmergencyHandler struct{ Control AdminControl }

func (h EmergencyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := decodeBody(r, &req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Enabled == nil {
		respond.SafeError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}

	actor := actorFrom(r)
	broadcasted, err := h.Control.SetEmergency(r.Context(), *req.Enabled, actor)
	if err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}

	slog.Warn("emergency mode set by operator",
		slog.Bool("enabled", *req.Enabled),
		slog.String("actor", actor))
	respond.JSON(w, http.StatusOK, map[string]any{
		"emergency_mode": *req.Enabled,
		"broadcasted":    broadcasted,
	})
}

type loadRequest struct {
	Level string `json:"level"`
}

// LoadHandler pins the load level on this instance. An empty level
// returns the monitor to automatic sampling.
type LoadHandler struct{ Control AdminControl }

func (h LoadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decodeBody(r, &req); err != nil {
		respond.SafeError(w, http.StatusBadRequest, err)
		return
	}

	level, err := h.Control.PinLoad(req.Level)
	if err != nil {
		respond.SafeError(w, http.StatusBadRequest, fmt.Errorf("invalid level: %w", err))
		return
	}

	slog.Info("load level set by operator",
		slog.String("level", level.String()),
		slog.Bool("pinned", req.Level != ""),
		slog.String("actor", actorFrom(r)))
	respond.JSON(w, http.StatusOK, map[string]any{
		"load_level": level.String(),
		"pinned":     req.Level != "",
	})
}

// ReloadHandler re-reads the policies and broadcasts the reload.
type ReloadHandler struct{ Control AdminControl }

func (h ReloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := h.Control.Reload(r.Context())
	if err != nil {
		if errors.Is(err, ratelimit.ErrInvalidPolicy) {
			respond.JSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}
	respond.JSON(w, http.StatusOK, res)
}

// AuditResponse is the body of GET /admin/ratelimit/audit.
type AuditResponse struct {
	audit.Summary
	Recent []ratelimit.AuditEvent `json:"recent,omitempty"`
}

// RecentEvents lists the newest audit events.
type RecentEvents interface {
	Recent(limit int) []ratelimit.AuditEvent
}

// AuditHandler reports the security summary for the last 24 hours.
type AuditHandler struct {
	Summary audit.Summarizer
	// Recent is optional.
	Recent RecentEvents
	Now    func() time.Time
}

func (h AuditHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	if h.Now != nil {
		now = h.Now()
	}

	sum, err := h.Summary.Summary(r.Context(), now)
	if err != nil {
		respond.SafeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := AuditResponse{Summary: sum}
	if h.Recent != nil {
		resp.Recent = h.Recent.Recent(20)
	}
	respond.JSON(w, http.StatusOK, resp)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func actorFrom(r *http.Request) string {
	if c, ok := auth.FromContext(r.Context()); ok {
		return c.Subject
	}
	return "unknown"
}
