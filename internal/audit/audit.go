// Package audit records admission security events (emergency bypasses,
// emergency mode toggles, rate limit denials) and summarizes them for
// operators.
//
// Sinks implement ratelimit.AuditSink. The gateway fans every event out to
// a JSON-lines file, an in-memory ring used for the admin summary, and
// postgres when DATABASE_URL is configured.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"admission-gateway/pkg/ratelimit"
)

// SummaryWindow is the period covered by the admin summary.
const SummaryWindow = 24 * time.Hour

// Score deductions per event severity.
const (
	deductHigh   = 10
	deductMedium = 3
	deductLow    = 1
)

// Summary aggregates the audit events of one window.
type Summary struct {
	Since      time.Time                  `json:"since"`
	Until      time.Time                  `json:"until"`
	Total      int                        `json:"total"`
	BySeverity map[ratelimit.Severity]int `json:"by_severity"`
	ByType     map[string]int             `json:"by_type"`
	// ByReason collapses keyword bypasses into "keyword".
	ByReason map[string]int `json:"by_reason"`
	// LastHighSeverity is nil when no high severity event occurred.
	LastHighSeverity *time.Time `json:"last_high_severity,omitempty"`
	SecurityScore    int        `json:"security_score"`
}

func newSummary(since, until time.Time) Summary {
	return Summary{
		Since:      since,
		Until:      until,
		BySeverity: make(map[ratelimit.Severity]int, 3),
		ByType:     make(map[string]int),
		ByReason:   make(map[string]int),
	}
}

// add counts n events of one kind, the newest of which happened at last.
func (s *Summary) add(typ string, sev ratelimit.Severity, reason string, n int, last time.Time) {
	s.Total += n
	s.BySeverity[sev] += n
	s.ByType[typ] += n
	s.ByReason[ratelimit.BypassMetricReason(reason)] += n
	if sev == ratelimit.SeverityHigh && (s.LastHighSeverity == nil || last.After(*s.LastHighSeverity)) {
		at := last.UTC()
		s.LastHighSeverity = &at
	}
}

// Summarizer reports the audit summary for the window ending at now.
type Summarizer interface {
	Summary(ctx context.Context, now time.Time) (Summary, error)
}

// SecurityScore starts at 100 and deducts per event by severity, never
// going below zero.
func SecurityScore(bySeverity map[ratelimit.Severity]int) int {
	score := 100 -
		deductHigh*bySeverity[ratelimit.SeverityHigh] -
		deductMedium*bySeverity[ratelimit.SeverityMedium] -
		deductLow*bySeverity[ratelimit.SeverityLow]
	if score < 0 {
		return 0
	}
	return score
}

// MultiSink records every event to each sink in order. All sinks are
// attempted; failures are joined.
type MultiSink []ratelimit.AuditSink

func (m MultiSink) Record(ctx context.Context, ev ratelimit.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validate(ev ratelimit.AuditEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("audit event has no id")
	}
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("audit event %s has no timestamp", ev.ID)
	}
	return nil
}
