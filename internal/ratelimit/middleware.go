package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fiberstack/fiber/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// TraceIDFunc extracts the trace ID from the request context.
// Injected by the caller to avoid a dependency on the server package.
type TraceIDFunc func(r *http.Request) string

// Middleware enforces the global cap and the per-key limit, in that order.
// The global cap rejects with 503 (system overload); the per-key limit
// with 429. Rate-limit headers are set on every response that consulted
// the limiter.
func Middleware(limiter Limiter, global *GlobalCap, keyFunc KeyFunc, traceIDFunc TraceIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var traceID string
			if traceIDFunc != nil {
				traceID = traceIDFunc(r)
			}

			if global != nil && !global.Admit() {
				writeLimitError(w, http.StatusServiceUnavailable,
					model.ErrCodeServiceUnavailable, "system overload", traceID)
				return
			}

			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				// Limiter malfunction fails open rather than blocking traffic.
				next.ServeHTTP(w, r)
				return
			}

			for k, v := range result.FormatHeaders() {
				w.Header().Set(k, v)
			}

			if !result.Allowed {
				retryAfter := int(result.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeLimitError(w, http.StatusTooManyRequests,
					model.ErrCodeRateLimited, "too many requests", traceID)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeLimitError writes a rejection using the standard API error envelope.
func writeLimitError(w http.ResponseWriter, status int, code, message, traceID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
		},
		Meta: model.ResponseMeta{
			TraceID:   traceID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// ClientIP resolves the caller's address for per-IP keys. X-Forwarded-For
// is honored only when the direct peer matches a trusted proxy prefix;
// otherwise any client could spoof the header to dodge its bucket.
func ClientIP(r *http.Request, trustedProxies []string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}
	for _, p := range trustedProxies {
		if p != "" && strings.HasPrefix(host, p) {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	return host
}
