// Package observability groups the gateway's logging, tracing and SLO
// tracking.
//
// Subpackages:
//   - logging: slog JSON loggers with request ID propagation
//   - tracing: OpenTelemetry provider setup and HTTP server spans
//   - slo: rolling availability, latency and admission SLO gauges
//
// Admission decision metrics live with the engine in pkg/ratelimit; HTTP
// transport metrics live in internal/handler/http.
package observability
