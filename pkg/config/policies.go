package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"admission-gateway/pkg/ratelimit"
)

// policyFile is the on-disk layout of RATELIMIT_POLICY_FILE.
//
//	fallback: {requests: 30, window: 60s, burst: 60}
//	tiers:
//	  provider: {requests: 120, window: 60s, burst: 180}
//	endpoints:
//	  - pattern: /api/v1/auth/login
//	    requests: 5
//	    window: 60s
//	    burst: 10
//	emergency_keywords: [emergency, urgent]
type policyFile struct {
	Fallback          *policyEntry           `yaml:"fallback"`
	Tiers             map[string]policyEntry `yaml:"tiers"`
	Endpoints         []endpointEntry        `yaml:"endpoints"`
	EmergencyKeywords []string               `yaml:"emergency_keywords"`
}

type policyEntry struct {
	Requests int    `yaml:"requests"`
	Window   string `yaml:"window"`
	Burst    int    `yaml:"burst"`
}

type endpointEntry struct {
	Pattern     string `yaml:"pattern"`
	Tier        string `yaml:"tier"`
	policyEntry `yaml:",inline"`
}

// toPolicy converts an entry. A missing burst defaults to requests.
func (e policyEntry) toPolicy() (ratelimit.LimitPolicy, error) {
	window, err := time.ParseDuration(e.Window)
	if err != nil {
		return ratelimit.LimitPolicy{}, fmt.Errorf("%w: window %q: %v", ratelimit.ErrInvalidPolicy, e.Window, err)
	}
	burst := e.Burst
	if burst == 0 {
		burst = e.Requests
	}
	return ratelimit.LimitPolicy{Requests: e.Requests, Window: window, Burst: burst}, nil
}

// configurableTier reports whether a tier may carry its own default.
func configurableTier(name string) (ratelimit.Tier, bool) {
	switch t := ratelimit.Tier(strings.ToLower(name)); t {
	case ratelimit.TierPatient, ratelimit.TierProvider, ratelimit.TierAdmin, ratelimit.TierSystem:
		return t, true
	default:
		return "", false
	}
}

// ParsePolicies overlays a YAML policy document onto base.
//
// Tier entries replace the tier's default, endpoints replace the base
// override list when present, and emergency_keywords replace the keyword list
// when present. Unknown fields and unknown tier names are rejected. Policy
// invariants are checked by the registry the result is loaded into.
func ParsePolicies(r io.Reader, base ratelimit.PolicySet) (ratelimit.PolicySet, error) {
	var doc policyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return ratelimit.PolicySet{}, fmt.Errorf("%w: decode policy file: %v", ratelimit.ErrInvalidPolicy, err)
	}

	set := clonePolicySet(base)
	var errs []error

	if doc.Fallback != nil {
		p, err := doc.Fallback.toPolicy()
		if err != nil {
			errs = append(errs, fmt.Errorf("fallback: %w", err))
		} else {
			set.Fallback = p
		}
	}

	for name, entry := range doc.Tiers {
		tier, ok := configurableTier(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: unknown tier %q", ratelimit.ErrInvalidPolicy, name))
			continue
		}
		p, err := entry.toPolicy()
		if err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", name, err))
			continue
		}
		set.Tiers[tier] = p
	}

	if doc.Endpoints != nil {
		set.Endpoints = make([]ratelimit.EndpointOverride, 0, len(doc.Endpoints))
		for _, entry := range doc.Endpoints {
			var tier ratelimit.Tier
			if entry.Tier != "" {
				t, ok := configurableTier(entry.Tier)
				if !ok {
					errs = append(errs, fmt.Errorf("%w: endpoint %s: unknown tier %q", ratelimit.ErrInvalidPolicy, entry.Pattern, entry.Tier))
					continue
				}
				tier = t
			}
			p, err := entry.toPolicy()
			if err != nil {
				errs = append(errs, fmt.Errorf("endpoint %s: %w", entry.Pattern, err))
				continue
			}
			set.Endpoints = append(set.Endpoints, ratelimit.EndpointOverride{
				Pattern: entry.Pattern,
				Tier:    tier,
				Policy:  p,
			})
		}
	}

	if doc.EmergencyKeywords != nil {
		set.EmergencyKeywords = append([]string(nil), doc.EmergencyKeywords...)
	}

	if len(errs) > 0 {
		return ratelimit.PolicySet{}, errors.Join(errs...)
	}
	return set, nil
}

// LoadPolicyFile reads path and overlays it onto base.
func LoadPolicyFile(path string, base ratelimit.PolicySet) (ratelimit.PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ratelimit.PolicySet{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	set, err := ParsePolicies(bytes.NewReader(data), base)
	if err != nil {
		return ratelimit.PolicySet{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return set, nil
}

func clonePolicySet(set ratelimit.PolicySet) ratelimit.PolicySet {
	out := ratelimit.PolicySet{
		Fallback:          set.Fallback,
		Tiers:             make(map[ratelimit.Tier]ratelimit.LimitPolicy, len(set.Tiers)),
		Endpoints:         append([]ratelimit.EndpointOverride(nil), set.Endpoints...),
		EmergencyKeywords: append([]string(nil), set.EmergencyKeywords...),
	}
	for tier, p := range set.Tiers {
		out.Tiers[tier] = p
	}
	return out
}
