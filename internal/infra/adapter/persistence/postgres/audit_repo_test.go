package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"

	pg "admission-gateway/internal/infra/adapter/persistence/postgres"
	"admission-gateway/internal/repository"
	"admission-gateway/pkg/ratelimit"
)

var auditColumns = []string{"id", "event_type", "severity", "identity_hash", "role", "reason", "endpoint", "occurred_at"}

func TestAuditRepo_Save(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	at := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	ev := ratelimit.AuditEvent{
		ID:        "6f1c0d2e-0000-4000-8000-000000000001",
		Type:      ratelimit.AuditEventEmergencyBypass,
		Severity:  ratelimit.SeverityMedium,
		Identity:  "abc123",
		Reason:    "keyword:chest pain",
		Endpoint:  "/api/v1/chat/message",
		Timestamp: at,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO admission_audit_events")).
		WithArgs(ev.ID, ev.Type, "medium", ev.Identity, sql.NullString{}, ev.Reason, ev.Endpoint, at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := pg.NewAuditRepo(db)
	if err := repo.Save(context.Background(), ev); err != nil {
		t.Fatalf("Save err=%v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditRepo_Save_Error(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO admission_audit_events")).
		WillReturnError(sql.ErrConnDone)

	err := pg.NewAuditRepo(db).Save(context.Background(), ratelimit.AuditEvent{ID: "x", Timestamp: time.Now()})
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("want ErrConnDone, got %v", err)
	}
}

func TestAuditRepo_ListSince(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	since := time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC)
	at := since.Add(time.Hour)

	rows := sqlmock.NewRows(auditColumns).
		AddRow("id-2", "emergency_bypass", "high", "h2", nil, "emergency_mode", "/chat", at.Add(time.Minute)).
		AddRow("id-1", "emergency_bypass", "low", "h1", "admin", "privileged_operation", "/admin", at)

	mock.ExpectQuery(regexp.QuoteMeta("FROM admission_audit_events")).
		WithArgs(since, 50).
		WillReturnRows(rows)

	got, err := pg.NewAuditRepo(db).ListSince(context.Background(), since, 50)
	if err != nil {
		t.Fatalf("ListSince err=%v", err)
	}

	want := []ratelimit.AuditEvent{
		{ID: "id-2", Type: "emergency_bypass", Severity: ratelimit.SeverityHigh, Identity: "h2", Reason: "emergency_mode", Endpoint: "/chat", Timestamp: at.Add(time.Minute)},
		{ID: "id-1", Type: "emergency_bypass", Severity: ratelimit.SeverityLow, Identity: "h1", Role: "admin", Reason: "privileged_operation", Endpoint: "/admin", Timestamp: at},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListSince mismatch (-want +got):\n%s", diff)
	}
}

func TestAuditRepo_CountSince(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	since := time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC)
	last := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY event_type, severity, reason")).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "severity", "reason", "count", "max"}).
			AddRow("emergency_mode", "high", "emergency_mode", 2, last).
			AddRow("rate_limit_exceeded", "medium", "rate_limit_exceeded", 5, since.Add(time.Hour)))

	got, err := pg.NewAuditRepo(db).CountSince(context.Background(), since)
	if err != nil {
		t.Fatalf("CountSince err=%v", err)
	}
	want := []repository.AuditCount{
		{Type: "emergency_mode", Severity: ratelimit.SeverityHigh, Reason: "emergency_mode", Count: 2, Last: last},
		{Type: "rate_limit_exceeded", Severity: ratelimit.SeverityMedium, Reason: "rate_limit_exceeded", Count: 5, Last: since.Add(time.Hour)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CountSince mismatch (-want +got):\n%s", diff)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditRepo_DeleteBefore(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	before := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM admission_audit_events WHERE occurred_at < $1")).
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := pg.NewAuditRepo(db).DeleteBefore(context.Background(), before)
	if err != nil {
		t.Fatalf("DeleteBefore err=%v", err)
	}
	if n != 7 {
		t.Errorf("deleted = %d, want 7", n)
	}
}
