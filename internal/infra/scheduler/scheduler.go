// Package scheduler runs the gateway's periodic background jobs on cron
// schedules: load sampling, idle window cleanup, policy re-reads and audit
// retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	internalconfig "admission-gateway/internal/pkg/config"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Schedule string
	// Timeout bounds a single run. Zero means one minute.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler wraps a cron runner. Overlapping runs of the same job are
// skipped.
type Scheduler struct {
	cron    *cron.Cron
	metrics *JobMetrics
	jobs    map[string]Job
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler evaluating schedules in loc. metrics may be nil.
func New(loc *time.Location, metrics *JobMetrics) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		metrics: metrics,
		jobs:    make(map[string]Job),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Add registers job. The schedule is validated with the same parser as the
// configuration loader.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job requires a name and a run func")
	}
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	sched, err := internalconfig.ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	if job.Timeout <= 0 {
		job.Timeout = time.Minute
	}

	s.jobs[job.Name] = job
	s.cron.Schedule(sched, cron.FuncJob(func() { _ = s.run(s.baseCtx, job) }))

	slog.Info("scheduled job",
		slog.String("job", job.Name),
		slog.String("schedule", job.Schedule))
	return nil
}

// Trigger runs a registered job once, immediately, on the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "failure"
		slog.Error("job failed",
			slog.String("job", job.Name),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()))
	} else {
		slog.Debug("job completed",
			slog.String("job", job.Name),
			slog.Duration("duration", elapsed))
	}
	if s.metrics != nil {
		s.metrics.RecordRun(job.Name, status, elapsed)
	}
	return err
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}
