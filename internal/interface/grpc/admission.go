// Package grpc applies admission control to gRPC services.
package grpc

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"admission-gateway/internal/handler/http/auth"
	"admission-gateway/pkg/ratelimit"
)

// CriticalOperationKey is the metadata key flagging a critical operation.
const CriticalOperationKey = "x-critical-operation"

// Evaluator decides admission. *ratelimit.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, req ratelimit.Request, now time.Time) *ratelimit.Decision
}

// InterceptorConfig configures AdmissionInterceptor.
type InterceptorConfig struct {
	// MaxContentBytes bounds the text rendering of the request scanned for
	// emergency keywords. Zero disables scanning.
	MaxContentBytes int
	Sampler         *ratelimit.RuntimeSampler
	// Exempt lists full method names that are never evaluated.
	Exempt []string
	Now    func() time.Time
}

// AdmissionInterceptor evaluates unary calls. The endpoint pattern is the
// full method name.
type AdmissionInterceptor struct {
	engine   Evaluator
	verifier *auth.Verifier
	cfg      InterceptorConfig
	exempt   map[string]struct{}
}

// NewAdmissionInterceptor creates the interceptor. verifier may be nil.
func NewAdmissionInterceptor(engine Evaluator, verifier *auth.Verifier, cfg InterceptorConfig) *AdmissionInterceptor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, m := range cfg.Exempt {
		exempt[m] = struct{}{}
	}
	return &AdmissionInterceptor{engine: engine, verifier: verifier, cfg: cfg, exempt: exempt}
}

// Unary returns the server interceptor.
//
// Every evaluated call carries x-ratelimit-* response headers. A denied call
// fails with codes.ResourceExhausted and repeats the headers, including
// x-ratelimit-retry-after, in the trailer.
func (i *AdmissionInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if i.cfg.Sampler != nil {
			end := i.cfg.Sampler.Begin()
			defer end()
		}
		if _, ok := i.exempt[info.FullMethod]; ok {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		identity, tier, role := i.identify(ctx, md)

		d := i.engine.Evaluate(ctx, ratelimit.Request{
			Identity: identity,
			Tier:     tier,
			Endpoint: info.FullMethod,
			Content:  i.content(req),
			Context: ratelimit.RequestContext{
				Role:              role,
				CriticalOperation: truthy(first(md, CriticalOperationKey)),
			},
		}, i.cfg.Now())

		out := DecisionMetadata(d)
		_ = grpc.SetHeader(ctx, out)

		if d.IsDenied() {
			_ = grpc.SetTrailer(ctx, out)
			return nil, status.Errorf(codes.ResourceExhausted,
				"rate limit exceeded, retry after %d seconds", d.RetryAfterSeconds())
		}
		return handler(ctx, req)
	}
}

func (i *AdmissionInterceptor) identify(ctx context.Context, md metadata.MD) (string, ratelimit.Tier, string) {
	if i.verifier != nil && i.verifier.Enabled() {
		if authz := first(md, "authorization"); authz != "" {
			if claims, err := i.verifier.VerifyHeader(authz); err == nil {
				return "user:" + claims.Subject, auth.TierForRole(claims.Role), claims.Role
			}
		}
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		return "ip:" + addr, ratelimit.TierAnonymous, ""
	}
	return "", ratelimit.TierAnonymous, ""
}

func (i *AdmissionInterceptor) content(req any) string {
	if i.cfg.MaxContentBytes <= 0 {
		return ""
	}
	msg, ok := req.(proto.Message)
	if !ok {
		return ""
	}
	text := prototext.Format(msg)
	if len(text) > i.cfg.MaxContentBytes {
		text = strings.ToValidUTF8(text[:i.cfg.MaxContentBytes], "")
	}
	return text
}

// DecisionMetadata renders d as lower-case x-ratelimit-* metadata.
func DecisionMetadata(d *ratelimit.Decision) metadata.MD {
	md := metadata.Pairs(
		"x-ratelimit-limit", strconv.Itoa(d.Limit),
		"x-ratelimit-remaining", strconv.Itoa(d.Remaining),
		"x-ratelimit-reset", strconv.FormatInt(d.ResetAtUnix(), 10),
		"x-ratelimit-window", strconv.FormatInt(d.WindowSeconds(), 10),
		"x-ratelimit-burst-limit", strconv.Itoa(d.Burst),
		"x-ratelimit-burst-remaining", strconv.Itoa(d.BurstRemaining),
	)
	if d.IsDenied() {
		md.Set("x-ratelimit-retry-after", strconv.FormatInt(d.RetryAfterSeconds(), 10))
	}
	if d.Degraded {
		md.Set("x-ratelimit-degraded", "true")
	}
	if d.Bypassed {
		md.Set("x-ratelimit-bypass", d.BypassReason)
	}
	return md
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
