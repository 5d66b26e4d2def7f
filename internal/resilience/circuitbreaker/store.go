package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"admission-gateway/pkg/ratelimit"
)

// GuardedStore wraps a WindowStore with a circuit breaker.
//
// Every failure, including a rejection by the open breaker, is returned
// wrapped in ratelimit.ErrStoreUnavailable so the engine fails open.
type GuardedStore struct {
	store   ratelimit.WindowStore
	breaker *CircuitBreaker
}

// NewGuardedStore wraps store. Breaker transitions are reported to metrics
// as 0 (closed), 1 (half-open) or 2 (open).
func NewGuardedStore(store ratelimit.WindowStore, cfg Config, metrics ratelimit.Metrics) *GuardedStore {
	if metrics == nil {
		metrics = ratelimit.NoOpMetrics{}
	}
	next := cfg.OnStateChange
	cfg.OnStateChange = func(from, to gobreaker.State) {
		metrics.SetCircuitState(StateValue(to))
		if next != nil {
			next(from, to)
		}
	}
	metrics.SetCircuitState(StateValue(gobreaker.StateClosed))

	return &GuardedStore{store: store, breaker: New(cfg)}
}

// RecordAndCount implements ratelimit.WindowStore.
func (g *GuardedStore) RecordAndCount(ctx context.Context, key string, now time.Time, window time.Duration, ceiling int) (ratelimit.WindowState, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.store.RecordAndCount(ctx, key, now, window, ceiling)
	})
	if err != nil {
		if IsRejection(err) {
			return ratelimit.WindowState{}, fmt.Errorf("%w: circuit %s: %w", ratelimit.ErrStoreUnavailable, g.breaker.Name(), err)
		}
		return ratelimit.WindowState{}, err
	}
	return res.(ratelimit.WindowState), nil
}

// State returns the breaker state.
func (g *GuardedStore) State() gobreaker.State {
	return g.breaker.State()
}

// StateValue maps a breaker state onto the circuit state gauge.
func StateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
