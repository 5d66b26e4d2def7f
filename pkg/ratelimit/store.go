// Package ratelimit implements request admission: a sliding-window counter,
// a hot-reloadable limit registry, load-based limit adjustment, emergency
// bypass and the decision engine that combines them.
package ratelimit

import (
	"context"
	"time"
)

// WindowState is the result of a single record-and-count operation.
type WindowState struct {
	// Count is the number of timestamps in the window including the one
	// just recorded.
	Count int

	// Oldest is the earliest timestamp still inside the window.
	// Zero when the window is empty.
	Oldest time.Time
}

// WindowStore owns the per-key usage windows.
//
// RecordAndCount must behave as one indivisible step for a given key:
// purge timestamps at or before now-window, insert now, count. When the
// resulting count exceeds ceiling the inserted timestamp is removed again
// within the same step, so a denied request does not consume a slot.
// A ceiling of 0 keeps every insert.
//
// Implementations wrap every backend failure with ErrStoreUnavailable.
type WindowStore interface {
	RecordAndCount(ctx context.Context, key string, now time.Time, window time.Duration, ceiling int) (WindowState, error)
}

// SweepableStore is implemented by stores that hold keys in process memory
// and need periodic removal of idle windows.
type SweepableStore interface {
	WindowStore

	// Cleanup removes keys whose newest timestamp has left its window.
	// It returns the number of keys removed.
	Cleanup(ctx context.Context, now time.Time) (int, error)

	// KeyCount returns the number of live keys.
	KeyCount(ctx context.Context) (int, error)
}

// Clock abstracts time so tests can control it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
