package audit

import (
	"context"
	"sync"
	"time"

	"admission-gateway/pkg/ratelimit"
)

// DefaultMemoryCapacity bounds the in-memory ring.
const DefaultMemoryCapacity = 10000

// MemoryLog keeps the most recent events in a fixed-size ring.
// When full, the oldest event is overwritten.
type MemoryLog struct {
	mu     sync.RWMutex
	events []ratelimit.AuditEvent
	next   int
	full   bool
}

// NewMemoryLog creates a ring holding up to capacity events.
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryLog{events: make([]ratelimit.AuditEvent, capacity)}
}

// Record implements ratelimit.AuditSink.
func (m *MemoryLog) Record(_ context.Context, ev ratelimit.AuditEvent) error {
	if err := validate(ev); err != nil {
		return err
	}

	m.mu.Lock()
	m.events[m.next] = ev
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
	return nil
}

// Recent returns up to limit events, newest first. A limit <= 0 returns all.
func (m *MemoryLog) Recent(limit int) []ratelimit.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.lenLocked()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ratelimit.AuditEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.events)) % len(m.events)
		out = append(out, m.events[idx])
	}
	return out
}

// Len returns the number of events held.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lenLocked()
}

func (m *MemoryLog) lenLocked() int {
	if m.full {
		return len(m.events)
	}
	return m.next
}

// Summary implements Summarizer over the events in (now-SummaryWindow, now].
func (m *MemoryLog) Summary(_ context.Context, now time.Time) (Summary, error) {
	since := now.Add(-SummaryWindow)
	s := newSummary(since, now)

	m.mu.RLock()
	n := m.lenLocked()
	for i := 0; i < n; i++ {
		ev := m.events[i]
		if !ev.Timestamp.After(since) || ev.Timestamp.After(now) {
			continue
		}
		s.add(ev.Type, ev.Severity, ev.Reason, 1, ev.Timestamp)
	}
	m.mu.RUnlock()

	s.SecurityScore = SecurityScore(s.BySeverity)
	return s, nil
}
