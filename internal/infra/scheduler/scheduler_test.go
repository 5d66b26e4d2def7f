package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-gateway/internal/observability/slo"
	"admission-gateway/pkg/ratelimit"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type activeKeysMetrics struct {
	ratelimit.NoOpMetrics
	keys int
}

func (m *activeKeysMetrics) SetActiveKeys(n int) { m.keys = n }

type pruneFunc func(ctx context.Context, now time.Time, retention time.Duration) (int64, error)

func (f pruneFunc) Prune(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	return f(ctx, now, retention)
}

func TestScheduler_Add(t *testing.T) {
	s := New(time.UTC, nil)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(Job{Name: "a", Schedule: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "a", Schedule: "@every 1m", Run: noop}), "duplicate name")
	assert.Error(t, s.Add(Job{Name: "b", Schedule: "whenever", Run: noop}), "bad schedule")
	assert.Error(t, s.Add(Job{Name: "", Schedule: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "c", Schedule: "@every 1m"}))
}

func TestScheduler_TriggerRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewJobMetrics(reg)
	s := New(time.UTC, m)

	require.NoError(t, s.Add(Job{Name: "ok", Schedule: "@every 1h", Run: func(context.Context) error { return nil }}))
	require.NoError(t, s.Add(Job{Name: "bad", Schedule: "@every 1h", Run: func(context.Context) error { return errors.New("boom") }}))

	require.NoError(t, s.Trigger(context.Background(), "ok"))
	assert.Error(t, s.Trigger(context.Background(), "bad"))
	assert.Error(t, s.Trigger(context.Background(), "missing"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("ok", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("bad", "failure")))
	assert.Greater(t, testutil.ToFloat64(m.LastSuccessTimestamp.WithLabelValues("ok")), 0.0)
	assert.Zero(t, testutil.ToFloat64(m.LastSuccessTimestamp.WithLabelValues("bad")))
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := New(time.UTC, nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	s := New(time.UTC, nil)
	started := make(chan struct{})
	require.NoError(t, s.Add(Job{Name: "slow", Schedule: "@every 1s", Timeout: time.Hour, Run: func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}}))

	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestCleanupJob(t *testing.T) {
	store := ratelimit.NewMemoryStore(ratelimit.MemoryStoreConfig{})
	ctx := context.Background()
	start := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	_, err := store.RecordAndCount(ctx, "idle", start, time.Minute, 0)
	require.NoError(t, err)
	_, err = store.RecordAndCount(ctx, "live", start.Add(90*time.Second), time.Minute, 0)
	require.NoError(t, err)

	metrics := &activeKeysMetrics{}
	job := CleanupJob("@every 1m", store, metrics, fixedClock{start.Add(2 * time.Minute)})
	require.NoError(t, job.Run(ctx))

	assert.Equal(t, 1, metrics.keys)
	n, _ := store.KeyCount(ctx)
	assert.Equal(t, 1, n)
}

func TestLoadSampleJob(t *testing.T) {
	monitor, err := ratelimit.NewLoadMonitor(ratelimit.LoadMonitorConfig{
		Sampler: ratelimit.LoadSamplerFunc(func(context.Context) (float64, error) { return 99, nil }),
	})
	require.NoError(t, err)

	require.NoError(t, LoadSampleJob("@every 15s", monitor).Run(context.Background()))
	assert.Equal(t, ratelimit.LoadCritical, monitor.Level())
}

func TestAuditPruneJob(t *testing.T) {
	var gotRetention time.Duration
	job := AuditPruneJob("@daily", pruneFunc(func(_ context.Context, _ time.Time, retention time.Duration) (int64, error) {
		gotRetention = retention
		return 3, nil
	}), 90*24*time.Hour)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 90*24*time.Hour, gotRetention)
	assert.Equal(t, JobAuditPrune, job.Name)
}

func TestSLOUpdateJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	tracker := slo.NewTracker(reg, time.Minute, 10)
	tracker.Observe(500, time.Millisecond, false)

	job := SLOUpdateJob("@every 1m", tracker)
	assert.Equal(t, JobSLOUpdate, job.Name)
	require.NoError(t, job.Run(context.Background()))

	n, err := testutil.GatherAndCount(reg, "slo_error_rate_ratio")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, gatherGauge(t, reg, "slo_error_rate_ratio"), "slo_error_rate_ratio 1")
}

func gatherGauge(t *testing.T, reg *prometheus.Registry, name string) string {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return name + " " + strconv.FormatFloat(mf.GetMetric()[0].GetGauge().GetValue(), 'g', -1, 64)
		}
	}
	return ""
}
