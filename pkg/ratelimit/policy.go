package ratelimit

import (
	"fmt"
	"time"
)

// Tier identifies the class of principal a limit policy applies to.
type Tier string

const (
	// TierPatient is the most conservative tier and the global fallback.
	TierPatient Tier = "patient"
	// TierProvider covers clinical staff.
	TierProvider Tier = "provider"
	// TierAdmin covers operators of the platform.
	TierAdmin Tier = "admin"
	// TierSystem covers service-to-service callers.
	TierSystem Tier = "system"
	// TierAnonymous is assigned to callers without a resolvable identity.
	// It has no policy of its own and always resolves to the fallback.
	TierAnonymous Tier = "anonymous"
)

// ParseTier maps a free-form role or tier name onto a Tier.
// Unknown values map to TierPatient so that an unexpected claim never
// grants a more generous limit.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierPatient, TierProvider, TierAdmin, TierSystem, TierAnonymous:
		return Tier(s)
	case "":
		return TierAnonymous
	default:
		return TierPatient
	}
}

// LimitPolicy is the volume allowed for one (tier, endpoint) pair.
//
// Requests is the steady-state number of requests allowed within Window.
// Burst is a higher instantaneous ceiling on the same window's count.
// Invariant: Requests > 0, Window > 0, Burst >= Requests.
type LimitPolicy struct {
	Requests int           `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
	Burst    int           `json:"burst" yaml:"burst"`
}

// Validate reports whether the policy satisfies its invariants.
// The returned error wraps ErrInvalidPolicy.
func (p LimitPolicy) Validate() error {
	if p.Requests <= 0 {
		return fmt.Errorf("%w: requests must be positive, got %d", ErrInvalidPolicy, p.Requests)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %v", ErrInvalidPolicy, p.Window)
	}
	if p.Burst < p.Requests {
		return fmt.Errorf("%w: burst (%d) must be >= requests (%d)", ErrInvalidPolicy, p.Burst, p.Requests)
	}
	return nil
}

// Ceiling returns the highest in-window count that is still admitted.
func (p LimitPolicy) Ceiling() int {
	if p.Burst > p.Requests {
		return p.Burst
	}
	return p.Requests
}

// WindowSeconds returns the window length in whole seconds, rounded up.
func (p LimitPolicy) WindowSeconds() int64 {
	secs := int64(p.Window / time.Second)
	if p.Window%time.Second != 0 {
		secs++
	}
	return secs
}

// String renders the policy as "30/1m0s (burst 60)".
func (p LimitPolicy) String() string {
	return fmt.Sprintf("%d/%s (burst %d)", p.Requests, p.Window, p.Burst)
}

// EndpointOverride replaces the tier default for requests whose endpoint
// pattern equals Pattern. An empty Tier applies the override to every tier
// that has no more specific override of its own.
type EndpointOverride struct {
	Pattern string
	Tier    Tier
	Policy  LimitPolicy
}

// PolicySet is the complete configuration loaded into a Registry.
type PolicySet struct {
	// Fallback is used when neither an override nor a tier default matches.
	Fallback LimitPolicy

	// Tiers holds the default policy per tier.
	Tiers map[Tier]LimitPolicy

	// Endpoints holds endpoint-specific overrides.
	Endpoints []EndpointOverride

	// EmergencyKeywords are matched case-insensitively against request content.
	EmergencyKeywords []string
}

// DefaultEmergencyKeywords is the keyword list used when configuration
// supplies none.
var DefaultEmergencyKeywords = []string{
	"emergency",
	"urgent",
	"chest pain",
	"difficulty breathing",
	"unconscious",
	"bleeding",
	"heart attack",
	"stroke",
	"suicide",
}

// DefaultPolicySet returns the built-in tier defaults.
func DefaultPolicySet() PolicySet {
	patient := LimitPolicy{Requests: 30, Window: time.Minute, Burst: 60}
	keywords := make([]string, len(DefaultEmergencyKeywords))
	copy(keywords, DefaultEmergencyKeywords)

	return PolicySet{
		Fallback: patient,
		Tiers: map[Tier]LimitPolicy{
			TierPatient:  patient,
			TierProvider: {Requests: 120, Window: time.Minute, Burst: 180},
			TierAdmin:    {Requests: 300, Window: time.Minute, Burst: 450},
			TierSystem:   {Requests: 1000, Window: time.Minute, Burst: 1500},
		},
		EmergencyKeywords: keywords,
	}
}
