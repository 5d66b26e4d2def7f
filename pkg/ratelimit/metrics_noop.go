package ratelimit

import "time"

// Metrics receives admission observability events.
//
// Implementations must be safe for concurrent use and must not block.
type Metrics interface {
	// RecordDecision counts one evaluated request.
	// result is one of "allowed", "burst", "denied", "bypassed", "degraded".
	RecordDecision(tier Tier, endpoint, result string)

	// RecordCheckDuration observes the time spent in Evaluate.
	RecordCheckDuration(d time.Duration)

	// RecordFailOpen counts a request admitted because the store was unavailable.
	RecordFailOpen(reason string)

	// RecordBypass counts a request admitted by the emergency override.
	RecordBypass(reason string)

	// SetLoadLevel records the load level currently in effect.
	SetLoadLevel(level LoadLevel)

	// SetActiveKeys records the number of live keys in an in-memory store.
	SetActiveKeys(n int)

	// RecordEviction counts keys dropped by LRU eviction.
	RecordEviction(n int)

	// RecordPolicyReload counts a registry reload attempt.
	RecordPolicyReload(success bool)

	// SetCircuitState records the store circuit breaker state
	// (0=closed, 1=half-open, 2=open).
	SetCircuitState(state int)
}

// NoOpMetrics discards every event.
type NoOpMetrics struct{}

func (NoOpMetrics) RecordDecision(Tier, string, string) {}
func (NoOpMetrics) RecordCheckDuration(time.Duration)   {}
func (NoOpMetrics) RecordFailOpen(string)               {}
func (NoOpMetrics) RecordBypass(string)                 {}
func (NoOpMetrics) SetLoadLevel(LoadLevel)              {}
func (NoOpMetrics) SetActiveKeys(int)                   {}
func (NoOpMetrics) RecordEviction(int)                  {}
func (NoOpMetrics) RecordPolicyReload(bool)             {}
func (NoOpMetrics) SetCircuitState(int)                 {}
