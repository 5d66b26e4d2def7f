package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// AnonymousIdentity is the identity used for requests without one.
const AnonymousIdentity = "anonymous"

// Request is the input to one admission evaluation.
type Request struct {
	// Identity is the authenticated user ID or the caller's network address.
	// It is hashed before it reaches the store, logs or audit events.
	Identity string

	// Tier is the caller's tier. Empty is treated as anonymous.
	Tier Tier

	// Endpoint is the normalized endpoint pattern.
	Endpoint string

	// Content is the textual request body scanned for emergency keywords.
	Content string

	// Context carries role and critical-operation flags.
	Context RequestContext
}

// LoadLevelSource provides the current load level.
type LoadLevelSource interface {
	Level() LoadLevel
}

// FixedLoad is a LoadLevelSource that always reports the same level.
type FixedLoad LoadLevel

// Level implements LoadLevelSource.
func (f FixedLoad) Level() LoadLevel { return LoadLevel(f) }

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Registry *Registry
	Adjuster *Adjuster
	Store    WindowStore

	// Load defaults to FixedLoad(LoadNormal).
	Load LoadLevelSource

	// Override may be nil, in which case nothing is bypassed.
	Override *EmergencyOverride

	// Audit may be nil only when Override is nil. It also receives
	// rate_limit_exceeded events for denials.
	Audit AuditSink

	Metrics Metrics
	Tracer  trace.Tracer

	// FailOpenLogInterval is the minimum spacing between fail-open warnings.
	// Every fail-open is still counted in metrics.
	// Default: 1s
	FailOpenLogInterval time.Duration

	// DenialAuditInterval is the minimum spacing between rate_limit_exceeded
	// audit events once DenialAuditBurst is spent. Every denial is still
	// logged and counted in metrics.
	// Default: 100ms, burst 10
	DenialAuditInterval time.Duration
	DenialAuditBurst    int
}

// Engine evaluates requests against the configured limits.
type Engine struct {
	registry *Registry
	adjuster *Adjuster
	store    WindowStore
	load     LoadLevelSource
	override *EmergencyOverride
	audit    AuditSink
	metrics  Metrics
	tracer   trace.Tracer

	failOpenLog *rate.Limiter
	denialAudit *rate.Limiter
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine requires a registry")
	}
	if cfg.Adjuster == nil {
		return nil, errors.New("engine requires an adjuster")
	}
	if cfg.Store == nil {
		return nil, errors.New("engine requires a window store")
	}
	if cfg.Override != nil && cfg.Audit == nil {
		return nil, errors.New("engine with emergency override requires an audit sink")
	}
	if cfg.Load == nil {
		cfg.Load = FixedLoad(LoadNormal)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoOpMetrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("admission-gateway/ratelimit")
	}
	if cfg.FailOpenLogInterval <= 0 {
		cfg.FailOpenLogInterval = time.Second
	}
	if cfg.DenialAuditInterval <= 0 {
		cfg.DenialAuditInterval = 100 * time.Millisecond
	}
	if cfg.DenialAuditBurst <= 0 {
		cfg.DenialAuditBurst = 10
	}

	return &Engine{
		registry:    cfg.Registry,
		adjuster:    cfg.Adjuster,
		store:       cfg.Store,
		load:        cfg.Load,
		override:    cfg.Override,
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		failOpenLog: rate.NewLimiter(rate.Every(cfg.FailOpenLogInterval), 1),
		denialAudit: rate.NewLimiter(rate.Every(cfg.DenialAuditInterval), cfg.DenialAuditBurst),
	}, nil
}

// Evaluate decides whether req may proceed at now.
//
// Evaluate never fails: an unavailable store yields an admitted, degraded
// decision, and a missing identity is evaluated as the anonymous principal
// on the fallback policy.
func (e *Engine) Evaluate(ctx context.Context, req Request, now time.Time) *Decision {
	start := time.Now()
	defer func() { e.metrics.RecordCheckDuration(time.Since(start)) }()

	if req.Identity == "" {
		slog.Debug("evaluating request without identity as anonymous",
			slog.String("endpoint", req.Endpoint),
			slog.String("error", ErrMalformedIdentity.Error()))
		req.Identity = AnonymousIdentity
		req.Tier = TierAnonymous
	}
	if req.Tier == "" {
		req.Tier = TierAnonymous
	}

	ctx, span := e.tracer.Start(ctx, "admission.evaluate", trace.WithAttributes(
		attribute.String("admission.tier", string(req.Tier)),
		attribute.String("admission.endpoint", req.Endpoint),
	))
	defer span.End()

	level := e.load.Level()
	base := e.registry.Resolve(req.Tier, req.Endpoint)
	effective := e.adjuster.Adjust(base, level, now)
	hashed := HashIdentity(req.Identity)

	d := &Decision{
		Limit:     effective.Requests,
		Burst:     effective.Burst,
		Window:    effective.Window,
		Key:       hashed + "|" + req.Endpoint,
		Endpoint:  req.Endpoint,
		Tier:      req.Tier,
		LoadLevel: level,
	}

	if e.override != nil {
		if bypass, reason := e.override.ShouldBypass(req.Content, req.Context); bypass {
			e.admitBypassed(ctx, d, req, hashed, reason, now)
			e.finish(span, d)
			return d
		}
	}

	state, err := e.store.RecordAndCount(ctx, d.Key, now, effective.Window, effective.Ceiling())
	if err != nil {
		e.admitDegraded(d, hashed, err, now)
		span.RecordError(err)
		e.finish(span, d)
		return d
	}

	count := state.Count
	d.Allowed = count <= effective.Requests || count <= effective.Burst
	d.Remaining = max(0, effective.Requests-count)
	d.BurstRemaining = max(0, effective.Burst-count)

	d.ResetAt = now.Add(effective.Window)
	if !state.Oldest.IsZero() {
		d.ResetAt = state.Oldest.Add(effective.Window)
	}
	if !d.Allowed {
		d.RetryAfter = max(0, d.ResetAt.Sub(now))

		slog.Warn("rate limit exceeded",
			slog.String("key", hashed[:16]),
			slog.String("tier", string(req.Tier)),
			slog.String("endpoint", req.Endpoint),
			slog.Int("count", count),
			slog.Int("limit", effective.Requests),
			slog.Int("burst", effective.Burst),
			slog.Int64("retry_after", d.RetryAfterSeconds()))

		if e.audit != nil && e.denialAudit.Allow() {
			e.recordDenial(ctx, d, req, hashed, now)
		}
	}

	e.finish(span, d)
	return d
}

func (e *Engine) admitBypassed(ctx context.Context, d *Decision, req Request, hashed, reason string, now time.Time) {
	d.Allowed = true
	d.Bypassed = true
	d.BypassReason = reason
	d.Remaining = d.Limit
	d.BurstRemaining = d.Burst
	d.ResetAt = now.Add(d.Window)

	event := AuditEvent{
		ID:        uuid.NewString(),
		Type:      AuditEventEmergencyBypass,
		Severity:  BypassSeverity(reason),
		Identity:  hashed,
		Role:      req.Context.Role,
		Reason:    reason,
		Endpoint:  req.Endpoint,
		Timestamp: now,
	}
	if err := e.audit.Record(ctx, event); err != nil {
		slog.Error("failed to record bypass audit event",
			slog.String("event_id", event.ID),
			slog.String("key", hashed[:16]),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	}

	e.metrics.RecordBypass(BypassMetricReason(reason))

	slog.Info("emergency bypass",
		slog.String("event_id", event.ID),
		slog.String("key", hashed[:16]),
		slog.String("reason", reason),
		slog.String("endpoint", req.Endpoint))
}

func (e *Engine) recordDenial(ctx context.Context, d *Decision, req Request, hashed string, now time.Time) {
	event := AuditEvent{
		ID:        uuid.NewString(),
		Type:      AuditEventRateLimitExceeded,
		Severity:  SeverityMedium,
		Identity:  hashed,
		Role:      req.Context.Role,
		Reason:    AuditEventRateLimitExceeded,
		Endpoint:  d.Endpoint,
		Timestamp: now,
	}
	if err := e.audit.Record(ctx, event); err != nil {
		slog.Error("failed to record denial audit event",
			slog.String("event_id", event.ID),
			slog.String("key", hashed[:16]),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) admitDegraded(d *Decision, hashed string, err error, now time.Time) {
	d.Allowed = true
	d.Degraded = true
	d.Remaining = d.Limit
	d.BurstRemaining = d.Burst
	d.ResetAt = now.Add(d.Window)

	reason := "store_error"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	e.metrics.RecordFailOpen(reason)

	if e.failOpenLog.Allow() {
		slog.Warn("window store unavailable, failing open",
			slog.String("key", hashed[:16]),
			slog.String("endpoint", d.Endpoint),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) finish(span trace.Span, d *Decision) {
	result := d.Result()
	e.metrics.RecordDecision(d.Tier, e.registry.MetricEndpoint(d.Endpoint), result)

	span.SetAttributes(
		attribute.String("admission.result", result),
		attribute.String("admission.load_level", d.LoadLevel.String()),
		attribute.Int("admission.limit", d.Limit),
		attribute.Int("admission.remaining", d.Remaining),
	)
	if d.Degraded {
		span.SetStatus(codes.Error, "window store unavailable")
	}
}

// HashIdentity returns the hex SHA-256 of identity. Raw identities never
// leave the engine.
func HashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// String implements fmt.Stringer for debugging.
func (r Request) String() string {
	return fmt.Sprintf("Request{Tier: %s, Endpoint: %s, Role: %s, Critical: %t}",
		r.Tier, r.Endpoint, r.Context.Role, r.Context.CriticalOperation)
}
