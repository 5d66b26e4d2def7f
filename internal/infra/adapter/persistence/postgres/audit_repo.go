package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"admission-gateway/internal/repository"
	"admission-gateway/pkg/ratelimit"
)

type AuditRepo struct{ db *sql.DB }

func NewAuditRepo(db *sql.DB) repository.AuditEventRepository {
	return &AuditRepo{db: db}
}

func (repo *AuditRepo) Save(ctx context.Context, ev ratelimit.AuditEvent) error {
	const query = `
INSERT INTO admission_audit_events (id, event_type, severity, identity_hash, role, reason, endpoint, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`
	_, err := repo.db.ExecContext(ctx, query,
		ev.ID, ev.Type, string(ev.Severity), ev.Identity, nullString(ev.Role), ev.Reason, ev.Endpoint, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

func (repo *AuditRepo) ListSince(ctx context.Context, since time.Time, limit int) ([]ratelimit.AuditEvent, error) {
	const query = `
SELECT id, event_type, severity, identity_hash, role, reason, endpoint, occurred_at
FROM admission_audit_events
WHERE occurred_at >= $1
ORDER BY occurred_at DESC
LIMIT $2`
	rows, err := repo.db.QueryContext(ctx, query, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("ListSince: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]ratelimit.AuditEvent, 0, limit)
	for rows.Next() {
		var ev ratelimit.AuditEvent
		var severity string
		var role sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Type, &severity, &ev.Identity, &role, &ev.Reason, &ev.Endpoint, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("ListSince: %w", err)
		}
		ev.Severity = ratelimit.Severity(severity)
		ev.Role = role.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListSince: %w", err)
	}
	return events, nil
}

func (repo *AuditRepo) CountSince(ctx context.Context, since time.Time) ([]repository.AuditCount, error) {
	const query = `
SELECT event_type, severity, reason, COUNT(*), MAX(occurred_at)
FROM admission_audit_events
WHERE occurred_at >= $1
GROUP BY event_type, severity, reason`
	rows, err := repo.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("CountSince: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []repository.AuditCount
	for rows.Next() {
		var c repository.AuditCount
		var severity string
		if err := rows.Scan(&c.Type, &severity, &c.Reason, &c.Count, &c.Last); err != nil {
			return nil, fmt.Errorf("CountSince: %w", err)
		}
		c.Severity = ratelimit.Severity(severity)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("CountSince: %w", err)
	}
	return counts, nil
}

func (repo *AuditRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM admission_audit_events WHERE occurred_at < $1`
	res, err := repo.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("DeleteBefore: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteBefore: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
