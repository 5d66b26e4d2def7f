package config

import (
	"fmt"
	"log/slog"
	"os"
)

// LoadResult is the outcome of loading one validated setting.
type LoadResult struct {
	Value           string
	Warning         string
	FallbackApplied bool
}

// LoadEnvWithFallback reads envKey and validates it.
//
// An unset variable yields defaultValue without a warning. A value that
// fails validation yields defaultValue, a warning, and FallbackApplied.
//
// Warning format:
//
//	"Invalid {envKey}='{value}': {error}, falling back to default '{default}'"
func LoadEnvWithFallback(envKey, defaultValue string, validator func(string) error) LoadResult {
	value := os.Getenv(envKey)
	if value == "" {
		return LoadResult{Value: defaultValue}
	}

	if validator != nil {
		if err := validator(value); err != nil {
			return LoadResult{
				Value:           defaultValue,
				Warning:         fmt.Sprintf("Invalid %s='%s': %v, falling back to default '%s'", envKey, value, err, defaultValue),
				FallbackApplied: true,
			}
		}
	}

	return LoadResult{Value: value}
}

// MustLoadEnvWithFallback is LoadEnvWithFallback that logs the warning, if any,
// and returns the value.
func MustLoadEnvWithFallback(envKey, defaultValue string, validator func(string) error) string {
	res := LoadEnvWithFallback(envKey, defaultValue, validator)
	if res.FallbackApplied {
		slog.Warn("configuration fallback applied",
			slog.String("key", envKey),
			slog.String("warning", res.Warning))
	}
	return res.Value
}
