package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Matcher decides whether request content signals an emergency.
type Matcher interface {
	Match(content string) bool
	String() string
}

// MatcherSource supplies the matchers currently in effect.
// Registry implements it so keyword lists reload with the limit policies.
type MatcherSource interface {
	EmergencyMatchers() []Matcher
}

// KeywordMatcher matches a phrase as a case-insensitive substring.
// "chest pain" matches "I have CHEST PAIN now" but not "chestpain".
type KeywordMatcher struct {
	phrase string
}

// NewKeywordMatcher returns a matcher for phrase.
// The returned error wraps ErrInvalidPolicy when phrase is blank.
func NewKeywordMatcher(phrase string) (KeywordMatcher, error) {
	p := strings.ToLower(strings.TrimSpace(phrase))
	if p == "" {
		return KeywordMatcher{}, fmt.Errorf("%w: emergency keyword must not be blank", ErrInvalidPolicy)
	}
	return KeywordMatcher{phrase: p}, nil
}

// Match implements Matcher.
func (m KeywordMatcher) Match(content string) bool {
	return strings.Contains(strings.ToLower(content), m.phrase)
}

// String returns the phrase.
func (m KeywordMatcher) String() string {
	return m.phrase
}

// RequestContext carries caller attributes relevant to bypass decisions.
type RequestContext struct {
	// Role is the caller's authenticated role.
	Role string

	// CriticalOperation marks a request the caller flagged as part of a
	// critical operation. It only has effect for privileged roles.
	CriticalOperation bool
}

// Bypass reasons.
const (
	BypassEmergencyMode = "emergency_mode"
	BypassPrivilegedOp  = "privileged_operation"
	bypassKeywordPrefix = "keyword:"
)

// Severity classifies audit events.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Audit event types.
const (
	// AuditEventEmergencyBypass is recorded for every bypassed request.
	AuditEventEmergencyBypass = "emergency_bypass"
	// AuditEventEmergencyMode is recorded when an operator toggles
	// process-wide emergency mode.
	AuditEventEmergencyMode = "emergency_mode"
	// AuditEventRateLimitExceeded is recorded for denied requests, at most
	// at the engine's denial audit rate.
	AuditEventRateLimitExceeded = "rate_limit_exceeded"
)

// AuditEvent is the record of a security-sensitive admission action.
type AuditEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Identity  string    `json:"identity"`
	Role      string    `json:"role,omitempty"`
	Reason    string    `json:"reason"`
	Endpoint  string    `json:"endpoint"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditSink persists audit events. Record must not silently drop events;
// a failure is reported to the caller.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// BypassSeverity returns the audit severity for a bypass reason.
func BypassSeverity(reason string) Severity {
	switch {
	case reason == BypassEmergencyMode:
		return SeverityHigh
	case strings.HasPrefix(reason, bypassKeywordPrefix):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// BypassMetricReason collapses keyword reasons into one metric label value.
func BypassMetricReason(reason string) string {
	if strings.HasPrefix(reason, bypassKeywordPrefix) {
		return "keyword"
	}
	return reason
}

// EmergencyOverride decides whether a request is admitted unconditionally.
type EmergencyOverride struct {
	matchers   MatcherSource
	privileged map[string]struct{}
	emergency  atomic.Bool
}

// NewEmergencyOverride creates an override using matchers for content and
// treating privilegedRoles as allowed to flag critical operations.
func NewEmergencyOverride(matchers MatcherSource, privilegedRoles []string) *EmergencyOverride {
	roles := make(map[string]struct{}, len(privilegedRoles))
	for _, r := range privilegedRoles {
		if r = strings.TrimSpace(r); r != "" {
			roles[strings.ToLower(r)] = struct{}{}
		}
	}
	return &EmergencyOverride{matchers: matchers, privileged: roles}
}

// ShouldBypass reports whether the request must be admitted regardless of
// counter state, and why. Checks run in order: process-wide emergency mode,
// privileged critical operation, content matchers.
func (o *EmergencyOverride) ShouldBypass(content string, rc RequestContext) (bool, string) {
	if o.emergency.Load() {
		return true, BypassEmergencyMode
	}

	if rc.CriticalOperation && o.IsPrivileged(rc.Role) {
		return true, BypassPrivilegedOp
	}

	if content == "" || o.matchers == nil {
		return false, ""
	}
	for _, m := range o.matchers.EmergencyMatchers() {
		if m.Match(content) {
			return true, bypassKeywordPrefix + m.String()
		}
	}
	return false, ""
}

// IsPrivileged reports whether role may flag critical operations.
func (o *EmergencyOverride) IsPrivileged(role string) bool {
	_, ok := o.privileged[strings.ToLower(role)]
	return ok
}

// SetEmergencyMode turns process-wide emergency mode on or off.
func (o *EmergencyOverride) SetEmergencyMode(on bool) {
	if o.emergency.Swap(on) != on {
		slog.Warn("emergency mode changed", slog.Bool("enabled", on))
	}
}

// EmergencyMode reports whether process-wide emergency mode is on.
func (o *EmergencyOverride) EmergencyMode() bool {
	return o.emergency.Load()
}
