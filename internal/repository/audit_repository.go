package repository

import (
	"context"
	"time"

	"admission-gateway/pkg/ratelimit"
)

// AuditCount groups events sharing a type, severity and reason.
type AuditCount struct {
	Type     string
	Severity ratelimit.Severity
	Reason   string
	Count    int
	// Last is the time of the newest event in the group.
	Last time.Time
}

// AuditEventRepository persists admission audit events.
type AuditEventRepository interface {
	Save(ctx context.Context, event ratelimit.AuditEvent) error
	ListSince(ctx context.Context, since time.Time, limit int) ([]ratelimit.AuditEvent, error)
	CountSince(ctx context.Context, since time.Time) ([]AuditCount, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
