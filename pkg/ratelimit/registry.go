package ratelimit

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// overrideKey identifies an endpoint override. An empty tier matches any tier.
type overrideKey struct {
	tier    Tier
	pattern string
}

// registrySnapshot is an immutable view of the loaded configuration.
// Lookups never observe a partially applied reload.
type registrySnapshot struct {
	fallback  LimitPolicy
	tiers     map[Tier]LimitPolicy
	overrides map[overrideKey]LimitPolicy
	patterns  map[string]struct{}
	matchers  []Matcher
	version   uint64
	loadedAt  time.Time
}

// Registry maps (tier, endpoint pattern) to a limit policy.
//
// The configuration is held as an immutable snapshot behind an atomic
// pointer. Load swaps in a new snapshot only when every policy in it is
// valid; otherwise the previous snapshot keeps serving.
type Registry struct {
	current atomic.Pointer[registrySnapshot]
	clock   Clock
}

// NewRegistry validates set and returns a registry serving it.
// The returned error wraps ErrInvalidPolicy.
func NewRegistry(set PolicySet) (*Registry, error) {
	r := &Registry{clock: SystemClock{}}
	if err := r.Load(set); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns the policy for tier and endpoint pattern.
//
// Lookup order:
//  1. override for (tier, pattern)
//  2. override for pattern applying to all tiers
//  3. tier default
//  4. fallback
func (r *Registry) Resolve(tier Tier, pattern string) LimitPolicy {
	snap := r.current.Load()

	if p, ok := snap.overrides[overrideKey{tier: tier, pattern: pattern}]; ok {
		return p
	}
	if p, ok := snap.overrides[overrideKey{pattern: pattern}]; ok {
		return p
	}
	if p, ok := snap.tiers[tier]; ok {
		return p
	}
	return snap.fallback
}

// OtherEndpoint is the metrics label of endpoints without an override.
const OtherEndpoint = "other"

// HasEndpoint reports whether pattern has an override for any tier.
func (r *Registry) HasEndpoint(pattern string) bool {
	_, ok := r.current.Load().patterns[pattern]
	return ok
}

// MetricEndpoint returns pattern if it has an override and OtherEndpoint
// otherwise. Label values are thereby bounded by configuration rather than
// by what callers request.
func (r *Registry) MetricEndpoint(pattern string) string {
	if r.HasEndpoint(pattern) {
		return pattern
	}
	return OtherEndpoint
}

// EmergencyMatchers returns the matchers of the current snapshot.
// The slice must not be modified.
func (r *Registry) EmergencyMatchers() []Matcher {
	return r.current.Load().matchers
}

// Load validates set and atomically replaces the current configuration.
//
// On failure the previous configuration stays in effect and the returned
// error wraps ErrInvalidPolicy with every violation found.
func (r *Registry) Load(set PolicySet) error {
	snap, err := buildSnapshot(set)
	if err != nil {
		return err
	}

	if prev := r.current.Load(); prev != nil {
		snap.version = prev.version + 1
	} else {
		snap.version = 1
	}
	snap.loadedAt = r.clock.Now()

	r.current.Store(snap)
	return nil
}

// Version returns the number of successful loads.
func (r *Registry) Version() uint64 {
	return r.current.Load().version
}

// LoadedAt returns the time of the last successful load.
func (r *Registry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}

// Snapshot returns a copy of the current configuration.
func (r *Registry) Snapshot() PolicySet {
	snap := r.current.Load()

	set := PolicySet{
		Fallback: snap.fallback,
		Tiers:    make(map[Tier]LimitPolicy, len(snap.tiers)),
	}
	for tier, p := range snap.tiers {
		set.Tiers[tier] = p
	}
	for key, p := range snap.overrides {
		set.Endpoints = append(set.Endpoints, EndpointOverride{Pattern: key.pattern, Tier: key.tier, Policy: p})
	}
	for _, m := range snap.matchers {
		set.EmergencyKeywords = append(set.EmergencyKeywords, m.String())
	}
	return set
}

func buildSnapshot(set PolicySet) (*registrySnapshot, error) {
	var errs []error

	if err := set.Fallback.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("fallback: %w", err))
	}

	tiers := make(map[Tier]LimitPolicy, len(set.Tiers))
	for tier, p := range set.Tiers {
		if tier == "" {
			errs = append(errs, fmt.Errorf("%w: tier name must not be empty", ErrInvalidPolicy))
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", tier, err))
			continue
		}
		tiers[tier] = p
	}

	overrides := make(map[overrideKey]LimitPolicy, len(set.Endpoints))
	patterns := make(map[string]struct{}, len(set.Endpoints))
	for i, o := range set.Endpoints {
		if o.Pattern == "" {
			errs = append(errs, fmt.Errorf("%w: endpoint override %d has no pattern", ErrInvalidPolicy, i))
			continue
		}
		if err := o.Policy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", o.Pattern, err))
			continue
		}
		key := overrideKey{tier: o.Tier, pattern: o.Pattern}
		if _, dup := overrides[key]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate override for %s (tier %q)", ErrInvalidPolicy, o.Pattern, o.Tier))
			continue
		}
		overrides[key] = o.Policy
		patterns[o.Pattern] = struct{}{}
	}

	matchers := make([]Matcher, 0, len(set.EmergencyKeywords))
	for _, kw := range set.EmergencyKeywords {
		m, err := NewKeywordMatcher(kw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		matchers = append(matchers, m)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &registrySnapshot{
		fallback:  set.Fallback,
		tiers:     tiers,
		overrides: overrides,
		patterns:  patterns,
		matchers:  matchers,
	}, nil
}
