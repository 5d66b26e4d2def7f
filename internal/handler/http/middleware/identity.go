package middleware

import (
	"log/slog"
	"net/http"

	"admission-gateway/internal/handler/http/auth"
	"admission-gateway/pkg/ratelimit"
)

// Identity is who a request is counted against.
type Identity struct {
	// Key is "user:<sub>" for authenticated callers and "ip:<addr>" otherwise.
	// Empty when neither could be determined.
	Key  string
	Tier ratelimit.Tier
	Role string
}

// IdentityResolver derives the counting identity of a request.
type IdentityResolver struct {
	verifier *auth.Verifier
	ips      IPExtractor
}

// NewIdentityResolver creates a resolver. verifier may be nil, in which case
// every caller is keyed by address.
func NewIdentityResolver(verifier *auth.Verifier, ips IPExtractor) *IdentityResolver {
	if ips == nil {
		ips = &RemoteAddrExtractor{}
	}
	return &IdentityResolver{verifier: verifier, ips: ips}
}

// Resolve prefers a valid bearer token. A missing or invalid token makes the
// caller anonymous; an invalid token is never rejected here, since the
// upstream owns authentication.
func (ir *IdentityResolver) Resolve(r *http.Request) Identity {
	if ir.verifier != nil && ir.verifier.Enabled() {
		if authz := r.Header.Get("Authorization"); authz != "" {
			claims, err := ir.verifier.VerifyHeader(authz)
			if err == nil {
				return Identity{
					Key:  "user:" + claims.Subject,
					Tier: auth.TierForRole(claims.Role),
					Role: claims.Role,
				}
			}
			slog.Debug("ignoring invalid bearer token for admission",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
		}
	}

	ip, err := ir.ips.ExtractIP(r)
	if err != nil {
		slog.Warn("could not determine client address",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return Identity{Tier: ratelimit.TierAnonymous}
	}
	return Identity{Key: "ip:" + ip, Tier: ratelimit.TierAnonymous}
}
