// Package tracing installs the OpenTelemetry tracer provider and wraps the
// gateway's HTTP server in spans.
//
// Incoming W3C trace context is honored and injected into the request that
// is forwarded upstream, so the admission span and the backend's spans share
// one trace. Span exporters are supplied by the caller; without one, spans
// still carry trace IDs into the logs.
package tracing
