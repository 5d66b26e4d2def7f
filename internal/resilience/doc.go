// Package resilience groups the fault-tolerance helpers the gateway wraps
// around its shared dependencies.
//
//   - circuitbreaker: gobreaker-backed breaker and a WindowStore guard that
//     turns an unhealthy redis into fast fail-open decisions
//   - retry: exponential backoff with jitter for startup pings and
//     best-effort broadcasts
//
// Usage Example:
//
//	store := circuitbreaker.NewGuardedStore(redisStore, circuitbreaker.WindowStoreConfig(), metrics)
//
//	err := retry.WithBackoff(ctx, retry.StartupConfig(), func() error {
//	    return redisStore.Ping(ctx)
//	})
package resilience
