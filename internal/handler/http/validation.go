package http

import (
	"net/http"

	"admission-gateway/internal/handler/http/respond"
)

// InputLimits bounds request sizes accepted by the gateway.
type InputLimits struct {
	MaxAuthHeaderBytes int
	MaxPathBytes       int
	MaxBodyBytes       int64
}

// DefaultInputLimits returns 8KiB / 2KiB / 10MiB.
func DefaultInputLimits() InputLimits {
	return InputLimits{
		MaxAuthHeaderBytes: 8 << 10,
		MaxPathBytes:       2 << 10,
		MaxBodyBytes:       10 << 20,
	}
}

// InputValidation rejects oversized authorization headers and paths before
// any token parsing or admission work, and caps the body size.
func InputValidation(limits InputLimits) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(r.Header.Get("Authorization")) > limits.MaxAuthHeaderBytes {
				respond.JSON(w, http.StatusBadRequest, map[string]string{"error": "authorization header too large"})
				return
			}
			if len(r.URL.Path) > limits.MaxPathBytes {
				respond.JSON(w, http.StatusRequestURITooLong, map[string]string{"error": "URI too long"})
				return
			}
			if r.Body != nil && limits.MaxBodyBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, limits.MaxBodyBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
