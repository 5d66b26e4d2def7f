package audit

import (
	"context"
	"fmt"
	"time"

	"admission-gateway/internal/repository"
	"admission-gateway/pkg/ratelimit"
)

// defaultWriteTimeout bounds one insert so a slow database cannot hold a
// bypassed request.
const defaultWriteTimeout = 2 * time.Second

// RepositorySink persists events through an AuditEventRepository.
type RepositorySink struct {
	repo    repository.AuditEventRepository
	timeout time.Duration
}

// NewRepositorySink wraps repo. A non-positive timeout uses 2s.
func NewRepositorySink(repo repository.AuditEventRepository, timeout time.Duration) *RepositorySink {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &RepositorySink{repo: repo, timeout: timeout}
}

// Record implements ratelimit.AuditSink. The insert is detached from the
// request's cancellation so an event is not lost when the client hangs up.
func (s *RepositorySink) Record(ctx context.Context, ev ratelimit.AuditEvent) error {
	if err := validate(ev); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.repo.Save(ctx, ev); err != nil {
		return fmt.Errorf("persist audit event %s: %w", ev.ID, err)
	}
	return nil
}

// Summary implements Summarizer from the persisted events.
func (s *RepositorySink) Summary(ctx context.Context, now time.Time) (Summary, error) {
	since := now.Add(-SummaryWindow)
	counts, err := s.repo.CountSince(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("audit summary: %w", err)
	}

	sum := newSummary(since, now)
	for _, c := range counts {
		sum.add(c.Type, c.Severity, c.Reason, c.Count, c.Last)
	}
	sum.SecurityScore = SecurityScore(sum.BySeverity)
	return sum, nil
}

// Prune deletes events older than retention.
func (s *RepositorySink) Prune(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	return s.repo.DeleteBefore(ctx, now.Add(-retention))
}
