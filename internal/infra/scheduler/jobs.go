package scheduler

import (
	"context"
	"log/slog"
	"time"

	"admission-gateway/internal/observability/slo"
	"admission-gateway/pkg/ratelimit"
)

// Job names.
const (
	JobLoadSample   = "load_sample"
	JobCleanup      = "window_cleanup"
	JobPolicyReload = "policy_reload"
	JobAuditPrune   = "audit_prune"
	JobSLOUpdate    = "slo_update"
)

// LoadSampleJob samples utilization into the load monitor.
func LoadSampleJob(schedule string, monitor *ratelimit.LoadMonitor) Job {
	return Job{
		Name:     JobLoadSample,
		Schedule: schedule,
		Timeout:  5 * time.Second,
		Run: func(ctx context.Context) error {
			_, err := monitor.Sample(ctx)
			return err
		},
	}
}

// CleanupJob removes idle windows from an in-process store and publishes
// the live key count.
func CleanupJob(schedule string, store ratelimit.SweepableStore, metrics ratelimit.Metrics, clock ratelimit.Clock) Job {
	if clock == nil {
		clock = ratelimit.SystemClock{}
	}
	return Job{
		Name:     JobCleanup,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			removed, err := store.Cleanup(ctx, clock.Now())
			if err != nil {
				return err
			}
			keys, err := store.KeyCount(ctx)
			if err != nil {
				return err
			}
			metrics.SetActiveKeys(keys)
			if removed > 0 {
				slog.Debug("idle windows removed",
					slog.Int("removed", removed),
					slog.Int("active_keys", keys))
			}
			return nil
		},
	}
}

// PolicyReloadJob re-reads the policy source.
func PolicyReloadJob(schedule string, reload func(ctx context.Context) error) Job {
	return Job{
		Name:     JobPolicyReload,
		Schedule: schedule,
		Timeout:  30 * time.Second,
		Run:      reload,
	}
}

// Pruner deletes audit events older than a retention period.
type Pruner interface {
	Prune(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}

// AuditPruneJob enforces the audit retention period.
func AuditPruneJob(schedule string, pruner Pruner, retention time.Duration) Job {
	return Job{
		Name:     JobAuditPrune,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := pruner.Prune(ctx, time.Now(), retention)
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("audit events pruned",
					slog.Int64("deleted", n),
					slog.Duration("retention", retention))
			}
			return nil
		},
	}
}

// SLOUpdateJob recomputes the SLO gauges and warns when a target is missed.
func SLOUpdateJob(schedule string, tracker *slo.Tracker) Job {
	return Job{
		Name:     JobSLOUpdate,
		Schedule: schedule,
		Timeout:  10 * time.Second,
		Run: func(ctx context.Context) error {
			r := tracker.Update()
			if r.Requests > 0 && !r.Met() {
				slog.Warn("SLO target missed",
					slog.Int("requests", r.Requests),
					slog.Float64("availability", r.Availability),
					slog.Float64("fail_open_ratio", r.FailOpenRatio),
					slog.Duration("p95", r.LatencyP95),
					slog.Duration("p99", r.LatencyP99))
			}
			return nil
		},
	}
}
