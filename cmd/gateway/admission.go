package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime/debug"

	"github.com/redis/go-redis/v9"

	"admission-gateway/internal/audit"
	pgRepo "admission-gateway/internal/infra/adapter/persistence/postgres"
	"admission-gateway/internal/infra/db"
	"admission-gateway/internal/infra/policysync"
	"admission-gateway/internal/resilience/circuitbreaker"
	"admission-gateway/internal/resilience/retry"
	"admission-gateway/internal/usecase/admission"
	"admission-gateway/pkg/config"
	"admission-gateway/pkg/ratelimit"
)

// auditMemoryCapacity is how many recent events the admin API can list.
const auditMemoryCapacity = 1000

// Core holds the admission components shared by both transports.
type Core struct {
	Engine   *ratelimit.Engine
	Registry *ratelimit.Registry
	Override *ratelimit.EmergencyOverride
	Load     *ratelimit.LoadMonitor
	Sampler  *ratelimit.RuntimeSampler
	Metrics  *ratelimit.PrometheusMetrics
	Control  *admission.Control

	// Store is the guarded window store used by the engine.
	Store *circuitbreaker.GuardedStore
	// Memory is set when windows are kept in process.
	Memory *ratelimit.MemoryStore
	// Redis is set when windows are shared.
	Redis       *redis.Client
	RedisStore  *ratelimit.RedisStore
	Syncer      *policysync.Syncer
	DB          *sql.DB
	AuditLog    *audit.MemoryLog
	AuditRepo   *audit.RepositorySink
	Summarizer  audit.Summarizer
	auditCloser func() error
}

// Close releases the connections opened by buildCore.
func (c *Core) Close() {
	if c.auditCloser != nil {
		if err := c.auditCloser(); err != nil {
			slog.Warn("failed to close audit log", slog.String("error", err.Error()))
		}
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
}

// buildCore wires the engine from configuration. Policies have already been
// validated by config.LoadAdmissionConfig.
func buildCore(ctx context.Context, gw *config.GatewayConfig, cfg *config.AdmissionConfig) (*Core, error) {
	c := &Core{Metrics: ratelimit.NewPrometheusMetrics()}

	registry, err := ratelimit.NewRegistry(cfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	c.Registry = registry

	adjuster, err := ratelimit.NewAdjuster(cfg.BusinessHours)
	if err != nil {
		return nil, fmt.Errorf("business hours: %w", err)
	}

	c.Sampler = ratelimit.NewRuntimeSampler(cfg.LoadMaxInFlight, heapLimit())
	c.Load, err = ratelimit.NewLoadMonitor(ratelimit.LoadMonitorConfig{
		Sampler:    c.Sampler,
		Thresholds: cfg.LoadThresholds,
		Cooldown:   cfg.LoadCooldown,
		Metrics:    c.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("load monitor: %w", err)
	}

	store, err := c.buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	breaker := circuitbreaker.WindowStoreConfig()
	breaker.FailureThreshold = cfg.Breaker.FailureRatio
	breaker.MinRequests = cfg.Breaker.MinRequests
	breaker.Timeout = cfg.Breaker.Timeout
	c.Store = circuitbreaker.NewGuardedStore(store, breaker, c.Metrics)

	sink, err := c.buildAudit(ctx, gw)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Override = ratelimit.NewEmergencyOverride(registry, cfg.PrivilegedRoles)
	c.Engine, err = ratelimit.NewEngine(ratelimit.EngineConfig{
		Registry: registry,
		Adjuster: adjuster,
		Store:    c.Store,
		Load:     c.Load,
		Override: c.Override,
		Audit:    sink,
		Metrics:  c.Metrics,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	c.Control = &admission.Control{
		Registry: registry,
		Override: c.Override,
		Load:     c.Load,
		Policies: func() (ratelimit.PolicySet, error) { return config.LoadPolicies(cfg.PolicyFile) },
		Audit:    sink,
		Metrics:  c.Metrics,
	}
	if c.Redis != nil {
		c.Syncer = policysync.New(c.Redis, cfg.PolicySyncChannel)
		c.Control.Broadcast = c.Syncer
	}

	slog.Info("admission control initialized",
		slog.Bool("enabled", cfg.Enabled),
		slog.String("store", string(cfg.Store)),
		slog.Uint64("policy_version", registry.Version()),
		slog.Int("endpoint_overrides", len(cfg.Policies.Endpoints)),
		slog.Int("emergency_keywords", len(cfg.Policies.EmergencyKeywords)),
		slog.Any("privileged_roles", cfg.PrivilegedRoles))
	return c, nil
}

func (c *Core) buildStore(ctx context.Context, cfg *config.AdmissionConfig) (ratelimit.WindowStore, error) {
	if cfg.Store == config.StoreMemory {
		c.Memory = ratelimit.NewMemoryStore(ratelimit.MemoryStoreConfig{
			MaxKeys: cfg.MaxKeys,
			OnEvict: c.Metrics.RecordEviction,
		})
		return c.Memory, nil
	}

	c.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	c.RedisStore = ratelimit.NewRedisStore(c.Redis, ratelimit.RedisStoreConfig{OpTimeout: cfg.StoreTimeout})

	// The gateway fails open, so an unreachable redis is not fatal.
	err := retry.WithBackoff(ctx, retry.StartupConfig(), func() error {
		return c.RedisStore.Ping(ctx)
	})
	if err != nil {
		slog.Warn("redis unreachable at startup, admitting requests uncounted until it recovers",
			slog.String("addr", cfg.Redis.Addr),
			slog.String("error", err.Error()))
	} else {
		slog.Info("redis window store connected", slog.String("addr", cfg.Redis.Addr))
	}
	return c.RedisStore, nil
}

func (c *Core) buildAudit(ctx context.Context, gw *config.GatewayConfig) (ratelimit.AuditSink, error) {
	c.AuditLog = audit.NewMemoryLog(auditMemoryCapacity)
	c.Summarizer = c.AuditLog
	sinks := audit.MultiSink{c.AuditLog}

	if gw.AuditLogPath != "" {
		fs, err := audit.OpenFileSink(gw.AuditLogPath)
		if err != nil {
			return nil, err
		}
		c.auditCloser = fs.Close
		sinks = append(sinks, fs)
	} else {
		sinks = append(sinks, audit.NewFileSink(os.Stderr))
	}

	if gw.DatabaseURL != "" {
		err := retry.WithBackoff(ctx, retry.StartupConfig(), func() error {
			var err error
			c.DB, err = db.Open(ctx, gw.DatabaseURL)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("audit database: %w", err)
		}
		if err := db.MigrateUp(ctx, c.DB); err != nil {
			return nil, fmt.Errorf("audit database: %w", err)
		}
		c.AuditRepo = audit.NewRepositorySink(pgRepo.NewAuditRepo(c.DB), 0)
		c.Summarizer = c.AuditRepo
		sinks = append(sinks, c.AuditRepo)
	}
	return sinks, nil
}

// breakerState renders the window store breaker state for /health.
func (c *Core) breakerState() string {
	return c.Store.State().String()
}

// heapLimit returns the Go memory limit, or 0 when none is set.
func heapLimit() uint64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return 0
	}
	return uint64(limit)
}

// reload re-reads policies on this instance only. SIGHUP and the scheduled
// re-read use it; each instance watches its own policy file.
func (c *Core) reload(ctx context.Context) error {
	_, err := c.Control.ApplyReload(ctx)
	return err
}
