package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// BusinessHours describes the weekday window during which limits are raised.
// Hours are in [0, 24) and interpreted in Location; the window is [Start, End).
type BusinessHours struct {
	Start    int
	End      int
	Location *time.Location
}

// DefaultBusinessHours is 08:00 to 18:00 UTC.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{Start: 8, End: 18, Location: time.UTC}
}

// Validate checks the hour range.
func (b BusinessHours) Validate() error {
	if b.Start < 0 || b.Start > 23 {
		return fmt.Errorf("business hours start must be within 0-23, got %d", b.Start)
	}
	if b.End < 1 || b.End > 24 {
		return fmt.Errorf("business hours end must be within 1-24, got %d", b.End)
	}
	if b.Start >= b.End {
		return fmt.Errorf("business hours start (%d) must be before end (%d)", b.Start, b.End)
	}
	return nil
}

// Multipliers applied by the adjuster.
const (
	multiplierLoadLow      = 1.5
	multiplierLoadNormal   = 1.0
	multiplierLoadHigh     = 0.8
	multiplierLoadCritical = 0.5

	multiplierBusinessHours = 1.5
	multiplierWeekend       = 0.7
	multiplierOffHours      = 1.0
)

// Adjuster scales a base policy for the current load level and time of day.
//
// Adjust is a pure function of its arguments and the business hours fixed
// at construction: the same (base, level, now) always yields the same policy.
type Adjuster struct {
	hours BusinessHours
}

// NewAdjuster returns an adjuster for the given business hours.
// A nil location is treated as UTC.
func NewAdjuster(hours BusinessHours) (*Adjuster, error) {
	if hours.Location == nil {
		hours.Location = time.UTC
	}
	if err := hours.Validate(); err != nil {
		return nil, err
	}
	return &Adjuster{hours: hours}, nil
}

// Adjust returns the effective policy.
//
// Requests and Burst are multiplied by the product of the load and
// time-of-day multipliers, truncated once and floored at 1. Window is never
// changed.
// Burst stays >= Requests.
func (a *Adjuster) Adjust(base LimitPolicy, level LoadLevel, now time.Time) LimitPolicy {
	factor := LoadMultiplier(level) * a.TimeMultiplier(now)

	requests := scale(base.Requests, factor)
	burst := scale(base.Burst, factor)
	if burst < requests {
		burst = requests
	}

	return LimitPolicy{
		Requests: requests,
		Window:   base.Window,
		Burst:    burst,
	}
}

// TimeMultiplier returns 1.5 during weekday business hours, 0.7 at weekends
// and 1.0 otherwise.
func (a *Adjuster) TimeMultiplier(now time.Time) float64 {
	local := now.In(a.hours.Location)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return multiplierWeekend
	}

	h := local.Hour()
	if h >= a.hours.Start && h < a.hours.End {
		return multiplierBusinessHours
	}
	return multiplierOffHours
}

// IsBusinessHours reports whether now falls within weekday business hours.
func (a *Adjuster) IsBusinessHours(now time.Time) bool {
	return a.TimeMultiplier(now) == multiplierBusinessHours
}

// LoadMultiplier returns the volume multiplier for a load level.
// Unknown levels are treated as normal.
func LoadMultiplier(level LoadLevel) float64 {
	switch level {
	case LoadLow:
		return multiplierLoadLow
	case LoadHigh:
		return multiplierLoadHigh
	case LoadCritical:
		return multiplierLoadCritical
	default:
		return multiplierLoadNormal
	}
}

func scale(n int, factor float64) int {
	// The epsilon keeps products like 30*0.7*1.0 = 20.999999... at 21.
	v := int(math.Floor(float64(n)*factor + 1e-9))
	if v < 1 {
		return 1
	}
	return v
}
