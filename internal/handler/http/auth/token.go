package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when the request carries no bearer token.
var ErrNoToken = errors.New("missing bearer token")

// Claims are the identity fields the gateway reads from a token.
type Claims struct {
	Subject string
	Role    string
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier returns a verifier for secret. An empty secret yields a
// verifier that rejects every token.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// VerifyHeader validates an Authorization header value.
func (v *Verifier) VerifyHeader(authz string) (Claims, error) {
	const prefix = "Bearer "
	if authz == "" {
		return Claims{}, ErrNoToken
	}
	if !strings.HasPrefix(authz, prefix) {
		return Claims{}, errors.New("invalid authorization scheme")
	}
	return v.Verify(strings.TrimPrefix(authz, prefix))
}

// Verify validates a raw token. The token must be HS256, unexpired, and
// carry non-empty sub and role claims.
func (v *Verifier) Verify(raw string) (Claims, error) {
	if !v.Enabled() {
		return Claims{}, errors.New("token verification disabled")
	}

	var tc tokenClaims
	tok, err := jwt.ParseWithClaims(raw, &tc, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !tok.Valid {
		return Claims{}, fmt.Errorf("invalid token: %w", err)
	}
	if tc.Subject == "" {
		return Claims{}, errors.New("invalid sub claim")
	}
	if tc.Role == "" {
		return Claims{}, errors.New("invalid role claim")
	}
	return Claims{Subject: tc.Subject, Role: tc.Role}, nil
}

// Issue signs a token for subject and role valid for ttl. It is used by the
// token CLI and tests.
func Issue(secret, subject, role string, ttl time.Duration, now time.Time) (string, error) {
	tc := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
