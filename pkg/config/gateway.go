package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	internalconfig "admission-gateway/internal/pkg/config"
)

// GatewayConfig holds the listener, upstream and identity settings of the
// gateway binary.
type GatewayConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	UpstreamURL     *url.URL
	ShutdownTimeout time.Duration

	// JWTSecret verifies HS256 bearer tokens. Empty disables token identity
	// and every caller is keyed by client IP.
	JWTSecret string

	// MaxContentBytes bounds how much of a request body is inspected for
	// emergency keywords.
	MaxContentBytes int64

	TrustProxy     bool
	TrustedProxies []string

	AuditLogPath string
	DatabaseURL  string

	// AuditRetention is how long audit rows are kept in postgres.
	AuditRetention     time.Duration
	AuditPruneSchedule string

	LogLevel string
}

// defaultAuditRetention keeps ninety days of audit history.
const defaultAuditRetention = 90 * 24 * time.Hour

// minJWTSecretLength is 256 bits.
const minJWTSecretLength = 32

var weakJWTSecrets = []string{"secret", "password", "test", "admin", "default"}

// ValidateJWTSecret rejects secrets that are short or a common weak value.
func ValidateJWTSecret(secret string) error {
	if len(secret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}
	lower := strings.ToLower(secret)
	for _, weak := range weakJWTSecrets {
		if strings.HasPrefix(lower, weak) && strings.Trim(lower[len(weak):], "0123456789") == "" {
			return fmt.Errorf("JWT_SECRET must not be a common weak value")
		}
	}
	return nil
}

// LoadGatewayConfig reads the gateway settings.
//
// UPSTREAM_URL is required; every other variable has a default.
//
// Environment variables:
//   - HTTP_ADDR (default: :8080), GRPC_ADDR (default: :9090, "off" disables)
//   - UPSTREAM_URL, SHUTDOWN_TIMEOUT (default: 10s)
//   - JWT_SECRET, RATELIMIT_MAX_CONTENT_BYTES (default: 65536)
//   - RATE_LIMIT_TRUST_PROXY, RATE_LIMIT_TRUSTED_PROXIES
//   - AUDIT_LOG_PATH, DATABASE_URL
//   - AUDIT_RETENTION (default: 2160h), AUDIT_PRUNE_SCHEDULE (default: @daily)
//   - LOG_LEVEL (default: info)
func LoadGatewayConfig() (*GatewayConfig, error) {
	cfg := &GatewayConfig{
		HTTPAddr:        GetEnvString("HTTP_ADDR", ":8080"),
		GRPCAddr:        GetEnvString("GRPC_ADDR", ":9090"),
		ShutdownTimeout: positiveDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		JWTSecret:       GetEnvString("JWT_SECRET", ""),
		MaxContentBytes: int64(GetEnvInt("RATELIMIT_MAX_CONTENT_BYTES", 64*1024)),
		TrustProxy:      GetEnvBool("RATE_LIMIT_TRUST_PROXY", false),
		TrustedProxies:  GetEnvStringList("RATE_LIMIT_TRUSTED_PROXIES", nil),
		AuditLogPath:    GetEnvString("AUDIT_LOG_PATH", ""),
		DatabaseURL:     GetEnvString("DATABASE_URL", ""),
		AuditRetention:  positiveDuration("AUDIT_RETENTION", defaultAuditRetention),
		LogLevel:        GetEnvString("LOG_LEVEL", "info"),
	}
	cfg.AuditPruneSchedule = internalconfig.MustLoadEnvWithFallback(
		"AUDIT_PRUNE_SCHEDULE", "@daily", internalconfig.ValidateCronSchedule)

	raw := GetEnvString("UPSTREAM_URL", "")
	if raw == "" {
		return nil, fmt.Errorf("UPSTREAM_URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid UPSTREAM_URL %q", raw)
	}
	cfg.UpstreamURL = u

	if strings.EqualFold(cfg.GRPCAddr, "off") {
		cfg.GRPCAddr = ""
	}

	if cfg.MaxContentBytes < 0 {
		cfg.MaxContentBytes = 64 * 1024
	}

	if cfg.TrustProxy {
		if err := internalconfig.ValidateCIDRs(cfg.TrustedProxies); err != nil {
			slog.Warn("invalid RATE_LIMIT_TRUSTED_PROXIES, proxy headers will be ignored",
				slog.String("error", err.Error()))
			cfg.TrustProxy = false
			cfg.TrustedProxies = nil
		}
	}

	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set, callers will be identified by client IP only")
	} else if err := ValidateJWTSecret(cfg.JWTSecret); err != nil {
		return nil, err
	}

	return cfg, nil
}
