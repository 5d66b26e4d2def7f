package auth

import (
	"strings"

	"admission-gateway/pkg/ratelimit"
)

// Role names carried in the role claim.
const (
	RolePatient            = "patient"
	RoleProvider           = "provider"
	RoleAdmin              = "admin"
	RoleSystem             = "system"
	RoleEmergencyResponder = "emergency_responder"
)

// roleTiers maps clinical and service roles onto limit tiers. Roles not
// listed fall through to ratelimit.ParseTier, which never grants more than
// the patient tier.
var roleTiers = map[string]ratelimit.Tier{
	RoleProvider:           ratelimit.TierProvider,
	"doctor":               ratelimit.TierProvider,
	"nurse":                ratelimit.TierProvider,
	"clinician":            ratelimit.TierProvider,
	RoleEmergencyResponder: ratelimit.TierProvider,
	RoleAdmin:              ratelimit.TierAdmin,
	RoleSystem:             ratelimit.TierSystem,
	"service":              ratelimit.TierSystem,
}

// TierForRole returns the limit tier for a role claim.
func TierForRole(role string) ratelimit.Tier {
	role = strings.ToLower(strings.TrimSpace(role))
	if t, ok := roleTiers[role]; ok {
		return t
	}
	if role == "" {
		// A verified token always has a role; treat a blank one as a patient.
		return ratelimit.TierPatient
	}
	return ratelimit.ParseTier(role)
}
