package ratelimit

import (
	"fmt"
	"time"
)

// Decision is the outcome of evaluating one request.
//
// It is produced once per request and never persisted; its fields carry
// everything the transport needs to annotate the response.
type Decision struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Limit is the effective steady-state request count for the window.
	Limit int

	// Remaining is max(0, Limit - count).
	Remaining int

	// Burst is the effective burst ceiling.
	Burst int

	// BurstRemaining is max(0, Burst - count).
	BurstRemaining int

	// Window is the effective window length.
	Window time.Duration

	// ResetAt is when the oldest counted request leaves the window and a
	// slot becomes free.
	ResetAt time.Time

	// RetryAfter is the wait before a denied caller may retry. Zero when allowed.
	RetryAfter time.Duration

	// Degraded is set when the window store was unavailable and the request
	// was admitted without being counted.
	Degraded bool

	// Bypassed is set when the emergency override admitted the request.
	Bypassed bool

	// BypassReason describes which override rule matched.
	BypassReason string

	// Key is the hashed identity plus endpoint pattern used for counting.
	Key string

	// Endpoint is the normalized endpoint pattern.
	Endpoint string

	// Tier is the tier the limits were resolved for.
	Tier Tier

	// LoadLevel is the load level the limits were adjusted for.
	LoadLevel LoadLevel
}

// String returns a human-readable representation of the decision.
func (d *Decision) String() string {
	switch {
	case d.Bypassed:
		return fmt.Sprintf("Decision{Allowed: true, Bypassed: %s, Endpoint: %s}", d.BypassReason, d.Endpoint)
	case d.Degraded:
		return fmt.Sprintf("Decision{Allowed: true, Degraded: true, Endpoint: %s}", d.Endpoint)
	case d.Allowed:
		return fmt.Sprintf("Decision{Allowed: true, Endpoint: %s, Remaining: %d/%d, Burst: %d/%d, ResetAt: %s}",
			d.Endpoint, d.Remaining, d.Limit, d.BurstRemaining, d.Burst, d.ResetAt.Format(time.RFC3339))
	default:
		return fmt.Sprintf("Decision{Allowed: false, Endpoint: %s, Limit: %d, Burst: %d, RetryAfter: %s}",
			d.Endpoint, d.Limit, d.Burst, d.RetryAfter)
	}
}

// IsDenied returns true if the request must be rejected.
func (d *Decision) IsDenied() bool {
	return !d.Allowed
}

// InBurst reports whether the request was admitted above the steady-state
// limit using burst capacity.
func (d *Decision) InBurst() bool {
	return d.Allowed && !d.Bypassed && !d.Degraded && d.Remaining == 0 && d.Burst > d.Limit && d.BurstRemaining < d.Burst-d.Limit
}

// BurstAvailable reports whether burst capacity above the steady-state limit
// is still unused.
func (d *Decision) BurstAvailable() bool {
	return d.BurstRemaining > 0
}

// ResetAtUnix returns ResetAt as Unix seconds.
func (d *Decision) ResetAtUnix() int64 {
	return d.ResetAt.Unix()
}

// RetryAfterSeconds returns RetryAfter in whole seconds, rounded up.
// A denied decision always reports at least one second.
func (d *Decision) RetryAfterSeconds() int64 {
	if d.Allowed {
		return 0
	}
	if d.RetryAfter <= 0 {
		return 1
	}
	secs := int64(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// WindowSeconds returns Window in whole seconds, rounded up.
func (d *Decision) WindowSeconds() int64 {
	return LimitPolicy{Window: d.Window}.WindowSeconds()
}

// Result classifies the decision for metrics and logs.
func (d *Decision) Result() string {
	switch {
	case d.Bypassed:
		return "bypassed"
	case d.Degraded:
		return "degraded"
	case !d.Allowed:
		return "denied"
	case d.InBurst():
		return "burst"
	default:
		return "allowed"
	}
}
