// Package logging builds the gateway's structured loggers.
//
// Every process log line is JSON written through log/slog. The audit trail
// is a separate stream written by internal/audit.
//
// Example usage:
//
//	logger := logging.NewLogger(cfg.LogLevel)
//	slog.SetDefault(logger)
//
//	func handle(ctx context.Context) {
//	    logging.WithRequestID(ctx, slog.Default()).Info("processing request")
//	}
package logging
