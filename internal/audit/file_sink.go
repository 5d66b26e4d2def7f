package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"admission-gateway/pkg/ratelimit"
)

// FileSink appends one JSON object per event using zerolog.
//
//	{"level":"warn","id":"...","type":"emergency_bypass","severity":"high",...,"time":"...","message":"emergency bypass"}
type FileSink struct {
	mu     sync.Mutex
	w      *errWriter
	logger zerolog.Logger
	closer io.Closer
}

// errWriter remembers the last write error, which zerolog otherwise only
// reports to its global error handler.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

// NewFileSink writes events to w.
func NewFileSink(w io.Writer) *FileSink {
	ew := &errWriter{w: w}
	return &FileSink{
		w:      ew,
		logger: zerolog.New(ew).With().Str("component", "admission_audit").Logger(),
	}
}

// OpenFileSink appends to path, creating it with mode 0600.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	s := NewFileSink(f)
	s.closer = f
	return s, nil
}

// Record implements ratelimit.AuditSink.
func (s *FileSink) Record(_ context.Context, ev ratelimit.AuditEvent) error {
	if err := validate(ev); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.w.err = nil
	evt := s.logger.WithLevel(levelFor(ev.Severity)).
		Str("id", ev.ID).
		Str("type", ev.Type).
		Str("severity", string(ev.Severity)).
		Str("identity", ev.Identity).
		Str("reason", ev.Reason).
		Str("endpoint", ev.Endpoint).
		Time("time", ev.Timestamp)
	if ev.Role != "" {
		evt = evt.Str("role", ev.Role)
	}
	evt.Msg(strings.ReplaceAll(ev.Type, "_", " "))

	if s.w.err != nil {
		return fmt.Errorf("write audit event %s: %w", ev.ID, s.w.err)
	}
	return nil
}

// Close closes the underlying file when the sink owns it.
func (s *FileSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func levelFor(sev ratelimit.Severity) zerolog.Level {
	switch sev {
	case ratelimit.SeverityHigh:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
