package db

import (
	"context"
	"database/sql"
)

// MigrateUp creates the audit schema. Every statement is idempotent.
func MigrateUp(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS admission_audit_events (
    id             UUID PRIMARY KEY,
    event_type     VARCHAR(50)  NOT NULL,
    severity       VARCHAR(10)  NOT NULL,
    identity_hash  CHAR(64)     NOT NULL,
    role           VARCHAR(100),
    reason         TEXT         NOT NULL,
    endpoint       TEXT         NOT NULL,
    occurred_at    TIMESTAMPTZ  NOT NULL,
    CONSTRAINT chk_audit_severity CHECK (severity IN ('high', 'medium', 'low'))
)`); err != nil {
		return err
	}

	indexes := []string{
		// Summary and listing queries filter on a time range.
		`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON admission_audit_events(occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_identity ON admission_audit_events(identity_hash, occurred_at DESC)`,
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return err
		}
	}

	return nil
}
