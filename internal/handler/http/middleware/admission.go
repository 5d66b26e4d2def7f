package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"admission-gateway/internal/handler/http/pathutil"
	"admission-gateway/internal/handler/http/requestid"
	"admission-gateway/pkg/ratelimit"
)

// CriticalOperationHeader flags a request as part of a critical operation.
// It only has effect for privileged roles.
const CriticalOperationHeader = "X-Critical-Operation"

// Evaluator decides admission. *ratelimit.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, req ratelimit.Request, now time.Time) *ratelimit.Decision
}

// AdmissionConfig configures the admission middleware.
type AdmissionConfig struct {
	Enabled bool

	// MaxContentBytes is how much of the body is scanned for emergency
	// keywords. Zero disables body scanning.
	MaxContentBytes int64

	// Sampler, if set, tracks in-flight requests for load sampling.
	Sampler *ratelimit.RuntimeSampler

	// Now defaults to time.Now.
	Now func() time.Time
}

// Admission applies admission decisions to HTTP requests.
type Admission struct {
	engine   Evaluator
	identity *IdentityResolver
	config   AdmissionConfig
}

// NewAdmission creates the middleware.
func NewAdmission(engine Evaluator, identity *IdentityResolver, cfg AdmissionConfig) *Admission {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxContentBytes < 0 {
		cfg.MaxContentBytes = 0
	}
	return &Admission{engine: engine, identity: identity, config: cfg}
}

// Middleware evaluates every request before it reaches next.
//
// Response headers, set on every evaluated response:
//   - X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset (Unix seconds)
//   - X-RateLimit-Window (seconds)
//   - X-RateLimit-Burst-Limit, X-RateLimit-Burst-Remaining
//   - X-RateLimit-Retry-After and Retry-After (denied only)
//   - X-RateLimit-Degraded: true (store unavailable, admitted uncounted)
//   - X-RateLimit-Bypass: <reason> (emergency override)
//
// Denied requests receive 429 with a RATE_LIMIT_EXCEEDED JSON body.
func (a *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.config.Sampler != nil {
			end := a.config.Sampler.Begin()
			defer end()
		}

		if !a.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		id := a.identity.Resolve(r)
		req := ratelimit.Request{
			Identity: id.Key,
			Tier:     id.Tier,
			Endpoint: pathutil.NormalizePath(r.URL.Path),
			Content:  a.readContent(r),
			Context: ratelimit.RequestContext{
				Role:              id.Role,
				CriticalOperation: isTruthy(r.Header.Get(CriticalOperationHeader)),
			},
		}

		d := a.engine.Evaluate(r.Context(), req, a.config.Now())
		SetHeaders(w.Header(), d)

		if d.IsDenied() {
			writeRateLimitExceeded(w, r, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// readContent returns up to MaxContentBytes of a textual body and leaves the
// body intact for the next handler. Binary bodies yield "".
func (a *Admission) readContent(r *http.Request) string {
	if a.config.MaxContentBytes == 0 || r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	if !isTextual(r.Header.Get("Content-Type")) {
		return ""
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, a.config.MaxContentBytes))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil {
		slog.Debug("failed to read request body for keyword scan",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}

	if utf8.Valid(buf) {
		return string(buf)
	}
	// Usually a multi-byte rune cut by the limit.
	return strings.ToValidUTF8(string(buf), "")
}

type readCloser struct {
	io.Reader
	io.Closer
}

func isTextual(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json",
		strings.HasSuffix(mt, "+json"),
		mt == "application/x-www-form-urlencoded",
		mt == "application/xml":
		return true
	default:
		return false
	}
}

func isTruthy(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// SetHeaders writes the rate-limit headers for d.
func SetHeaders(h http.Header, d *ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAtUnix(), 10))
	h.Set("X-RateLimit-Window", strconv.FormatInt(d.WindowSeconds(), 10))
	h.Set("X-RateLimit-Burst-Limit", strconv.Itoa(d.Burst))
	h.Set("X-RateLimit-Burst-Remaining", strconv.Itoa(d.BurstRemaining))

	if d.IsDenied() {
		retry := strconv.FormatInt(d.RetryAfterSeconds(), 10)
		h.Set("X-RateLimit-Retry-After", retry)
		h.Set("Retry-After", retry)
	}
	if d.Degraded {
		h.Set("X-RateLimit-Degraded", "true")
	}
	if d.Bypassed {
		h.Set("X-RateLimit-Bypass", d.BypassReason)
	}
}

type rateLimitDetails struct {
	Limit          int    `json:"limit"`
	Window         string `json:"window"`
	RetryAfter     int64  `json:"retry_after"`
	BurstAvailable bool   `json:"burst_available"`
}

type rateLimitError struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Details rateLimitDetails `json:"details"`
}

// RateLimitBody is the JSON body of a 429 response.
type RateLimitBody struct {
	Error rateLimitError `json:"error"`
}

// NewRateLimitBody builds the 429 body for a denied decision.
func NewRateLimitBody(d *ratelimit.Decision) RateLimitBody {
	retry := d.RetryAfterSeconds()
	return RateLimitBody{Error: rateLimitError{
		Code:    "RATE_LIMIT_EXCEEDED",
		Message: "Rate limit exceeded. Please retry after " + strconv.FormatInt(retry, 10) + " seconds.",
		Details: rateLimitDetails{
			Limit:          d.Limit,
			Window:         strconv.FormatInt(d.WindowSeconds(), 10) + "s",
			RetryAfter:     retry,
			BurstAvailable: d.BurstAvailable(),
		},
	}}
}

func writeRateLimitExceeded(w http.ResponseWriter, r *http.Request, d *ratelimit.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	if err := json.NewEncoder(w).Encode(NewRateLimitBody(d)); err != nil {
		slog.Error("failed to encode rate limit response",
			slog.String("request_id", requestid.FromContext(r.Context())),
			slog.String("error", err.Error()))
	}
}
