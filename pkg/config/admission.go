package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	internalconfig "admission-gateway/internal/pkg/config"
	"admission-gateway/pkg/ratelimit"
)

// StoreBackend selects where sliding windows are kept.
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreRedis  StoreBackend = "redis"
)

// RedisConfig is the connection used by the redis store and policy sync.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BreakerConfig guards the shared store.
type BreakerConfig struct {
	// FailureRatio trips the breaker once MinRequests have been seen.
	FailureRatio float64
	MinRequests  uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
}

// AdmissionConfig is everything the admission engine and its background
// jobs need.
type AdmissionConfig struct {
	Enabled bool

	Store        StoreBackend
	Redis        RedisConfig
	StoreTimeout time.Duration
	MaxKeys      int
	Breaker      BreakerConfig

	Policies        ratelimit.PolicySet
	PolicyFile      string
	PrivilegedRoles []string

	BusinessHours ratelimit.BusinessHours

	LoadThresholds  ratelimit.LoadThresholds
	LoadMaxInFlight int
	LoadCooldown    time.Duration

	CleanupSchedule      string
	LoadSampleSchedule   string
	PolicyReloadSchedule string
	PolicySyncChannel    string
}

// Defaults for values that are not tier policies.
const (
	defaultStoreTimeout         = 250 * time.Millisecond
	defaultMaxKeys              = 100000
	defaultCleanupSchedule      = "@every 1m"
	defaultLoadSampleSchedule   = "@every 15s"
	defaultPolicyReloadSchedule = "@every 5m"
	defaultPolicySyncChannel    = "admission:policy"
	defaultLoadMaxInFlight      = 512
	defaultLoadCooldown         = time.Minute
)

// LoadAdmissionConfig reads the admission configuration.
//
// Malformed scalar settings fall back to their defaults with a warning.
// Policies are different: an invalid tier policy or policy file is returned
// as an error wrapping ratelimit.ErrInvalidPolicy, and callers refuse to start.
//
// Environment variables:
//   - RATELIMIT_ENABLED (default: true)
//   - RATELIMIT_STORE: memory|redis (default: memory)
//   - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
//   - RATELIMIT_STORE_TIMEOUT (default: 250ms)
//   - RATELIMIT_MAX_KEYS (default: 100000)
//   - RATELIMIT_TIER_<TIER>_REQUESTS, _WINDOW, _BURST
//   - RATELIMIT_POLICY_FILE (YAML, applied after the tier variables)
//   - RATELIMIT_EMERGENCY_KEYWORDS, RATELIMIT_PRIVILEGED_ROLES
//   - BUSINESS_HOURS_START, BUSINESS_HOURS_END, BUSINESS_TIMEZONE
//   - LOAD_THRESHOLD_LOW, LOAD_THRESHOLD_HIGH, LOAD_THRESHOLD_CRITICAL
//   - LOAD_MAX_INFLIGHT, LOAD_COOLDOWN
//   - RATELIMIT_CB_FAILURE_RATIO, RATELIMIT_CB_MIN_REQUESTS, RATELIMIT_CB_TIMEOUT
//   - RATELIMIT_CLEANUP_SCHEDULE, LOAD_SAMPLE_SCHEDULE, POLICY_RELOAD_SCHEDULE
//   - POLICY_SYNC_CHANNEL
func LoadAdmissionConfig() (*AdmissionConfig, error) {
	cfg := &AdmissionConfig{
		Enabled:           GetEnvBool("RATELIMIT_ENABLED", true),
		Store:             loadStoreBackend(),
		PolicyFile:        GetEnvString("RATELIMIT_POLICY_FILE", ""),
		PrivilegedRoles:   GetEnvStringList("RATELIMIT_PRIVILEGED_ROLES", []string{"admin", "emergency_responder"}),
		PolicySyncChannel: GetEnvString("POLICY_SYNC_CHANNEL", defaultPolicySyncChannel),
		Redis: RedisConfig{
			Addr:     GetEnvString("REDIS_ADDR", "localhost:6379"),
			Password: GetEnvString("REDIS_PASSWORD", ""),
			DB:       GetEnvInt("REDIS_DB", 0),
		},
	}

	cfg.StoreTimeout = positiveDuration("RATELIMIT_STORE_TIMEOUT", defaultStoreTimeout)
	cfg.LoadCooldown = positiveDuration("LOAD_COOLDOWN", defaultLoadCooldown)

	cfg.MaxKeys = GetEnvInt("RATELIMIT_MAX_KEYS", defaultMaxKeys)
	if cfg.MaxKeys < 0 {
		slog.Warn("invalid RATELIMIT_MAX_KEYS, using default",
			slog.Int("value", cfg.MaxKeys),
			slog.Int("default", defaultMaxKeys))
		cfg.MaxKeys = defaultMaxKeys
	}

	cfg.LoadMaxInFlight = GetEnvInt("LOAD_MAX_INFLIGHT", defaultLoadMaxInFlight)
	if cfg.LoadMaxInFlight <= 0 {
		slog.Warn("invalid LOAD_MAX_INFLIGHT, using default",
			slog.Int("value", cfg.LoadMaxInFlight),
			slog.Int("default", defaultLoadMaxInFlight))
		cfg.LoadMaxInFlight = defaultLoadMaxInFlight
	}

	cfg.Breaker = loadBreakerConfig()
	cfg.BusinessHours = loadBusinessHours()
	cfg.LoadThresholds = loadThresholds()

	cfg.CleanupSchedule = internalconfig.MustLoadEnvWithFallback(
		"RATELIMIT_CLEANUP_SCHEDULE", defaultCleanupSchedule, internalconfig.ValidateCronSchedule)
	cfg.LoadSampleSchedule = internalconfig.MustLoadEnvWithFallback(
		"LOAD_SAMPLE_SCHEDULE", defaultLoadSampleSchedule, internalconfig.ValidateCronSchedule)
	cfg.PolicyReloadSchedule = internalconfig.MustLoadEnvWithFallback(
		"POLICY_RELOAD_SCHEDULE", defaultPolicyReloadSchedule, internalconfig.ValidateCronSchedule)

	policies, err := LoadPolicies(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policies = policies

	return cfg, nil
}

// LoadPolicies builds the policy set from the built-in defaults, the
// RATELIMIT_TIER_* and RATELIMIT_EMERGENCY_KEYWORDS variables, and finally
// the policy file if path is not empty. It is also the reload path.
func LoadPolicies(path string) (ratelimit.PolicySet, error) {
	set := ratelimit.DefaultPolicySet()

	for _, tier := range []ratelimit.Tier{
		ratelimit.TierPatient,
		ratelimit.TierProvider,
		ratelimit.TierAdmin,
		ratelimit.TierSystem,
	} {
		p := loadTierPolicy(tier, set.Tiers[tier])
		if err := p.Validate(); err != nil {
			return ratelimit.PolicySet{}, fmt.Errorf("tier %s: %w", tier, err)
		}
		set.Tiers[tier] = p
	}
	// Patient doubles as the fallback for unknown and anonymous callers.
	set.Fallback = set.Tiers[ratelimit.TierPatient]

	set.EmergencyKeywords = GetEnvStringList("RATELIMIT_EMERGENCY_KEYWORDS", set.EmergencyKeywords)

	if path == "" {
		return set, nil
	}
	return LoadPolicyFile(path, set)
}

func loadTierPolicy(tier ratelimit.Tier, def ratelimit.LimitPolicy) ratelimit.LimitPolicy {
	prefix := "RATELIMIT_TIER_" + strings.ToUpper(string(tier))
	p := ratelimit.LimitPolicy{
		Requests: GetEnvInt(prefix+"_REQUESTS", def.Requests),
		Window:   GetEnvDuration(prefix+"_WINDOW", def.Window),
		Burst:    GetEnvInt(prefix+"_BURST", def.Burst),
	}
	// Raising requests alone must not leave burst below it.
	if p.Burst < p.Requests && GetEnvString(prefix+"_BURST", "") == "" {
		p.Burst = p.Requests
	}
	return p
}

func loadStoreBackend() StoreBackend {
	switch b := StoreBackend(strings.ToLower(GetEnvString("RATELIMIT_STORE", string(StoreMemory)))); b {
	case StoreMemory, StoreRedis:
		return b
	default:
		slog.Warn("invalid RATELIMIT_STORE, using default",
			slog.String("value", string(b)),
			slog.String("default", string(StoreMemory)))
		return StoreMemory
	}
}

func loadBreakerConfig() BreakerConfig {
	b := BreakerConfig{
		FailureRatio: GetEnvFloat("RATELIMIT_CB_FAILURE_RATIO", 0.5),
		Timeout:      positiveDuration("RATELIMIT_CB_TIMEOUT", 30*time.Second),
	}
	if b.FailureRatio <= 0 || b.FailureRatio > 1 {
		slog.Warn("invalid RATELIMIT_CB_FAILURE_RATIO, using default",
			slog.Float64("value", b.FailureRatio),
			slog.Float64("default", 0.5))
		b.FailureRatio = 0.5
	}
	minRequests := GetEnvInt("RATELIMIT_CB_MIN_REQUESTS", 10)
	if minRequests <= 0 {
		slog.Warn("invalid RATELIMIT_CB_MIN_REQUESTS, using default",
			slog.Int("value", minRequests),
			slog.Int("default", 10))
		minRequests = 10
	}
	b.MinRequests = uint32(minRequests)
	return b
}

func loadBusinessHours() ratelimit.BusinessHours {
	def := ratelimit.DefaultBusinessHours()

	tz := internalconfig.MustLoadEnvWithFallback("BUSINESS_TIMEZONE", "UTC", internalconfig.ValidateTimezone)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}

	hours := ratelimit.BusinessHours{
		Start:    GetEnvInt("BUSINESS_HOURS_START", def.Start),
		End:      GetEnvInt("BUSINESS_HOURS_END", def.End),
		Location: loc,
	}
	if err := hours.Validate(); err != nil {
		slog.Warn("invalid business hours, using default",
			slog.Int("start", hours.Start),
			slog.Int("end", hours.End),
			slog.String("error", err.Error()))
		hours.Start, hours.End = def.Start, def.End
	}
	return hours
}

func loadThresholds() ratelimit.LoadThresholds {
	def := ratelimit.DefaultLoadThresholds()
	t := ratelimit.LoadThresholds{
		Low:      GetEnvFloat("LOAD_THRESHOLD_LOW", def.Low),
		High:     GetEnvFloat("LOAD_THRESHOLD_HIGH", def.High),
		Critical: GetEnvFloat("LOAD_THRESHOLD_CRITICAL", def.Critical),
	}
	if err := t.Validate(); err != nil {
		slog.Warn("invalid load thresholds, using default",
			slog.String("error", err.Error()))
		return def
	}
	return t
}

func positiveDuration(key string, def time.Duration) time.Duration {
	d := GetEnvDuration(key, def)
	if err := internalconfig.ValidatePositiveDuration(d); err != nil {
		slog.Warn("invalid "+key+", using default",
			slog.String("value", d.String()),
			slog.String("default", def.String()),
			slog.String("error", err.Error()))
		return def
	}
	return d
}
