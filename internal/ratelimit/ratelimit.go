// Package ratelimit guards the ingest path with a two-tier token bucket.
//
// The distributed tier runs a Lua token bucket in Redis so every gateway
// replica draws from the same budget. The local tier is an in-process
// bucket used when Redis is unreachable; the Switching wrapper moves
// between the two with hysteresis so a flapping Redis does not flap the
// policy. A process-wide GlobalCap admits every request before any
// per-key check as overload protection.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Policies reported in the X-RateLimit-Policy header.
const (
	PolicyDistributed = "distributed"
	PolicyLocal       = "local"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use. The key is opaque to
// the limiter; callers construct it (e.g. "limiter:ingest:user:<name>").
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// Result carries the bucket state after one decision, enough to populate
// the rate-limit response headers.
type Result struct {
	Allowed    bool
	Policy     string
	Limit      int
	Remaining  int
	ResetAt    time.Time     // zero when the tier cannot compute it
	RetryAfter time.Duration // populated when denied
}

// FormatHeaders renders the standard rate-limit headers. Retry-After is
// the caller's concern: it is only set on 429 responses.
func (r Result) FormatHeaders() map[string]string {
	h := map[string]string{
		"X-RateLimit-Policy":    r.Policy,
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
	}
	if !r.ResetAt.IsZero() {
		h["X-RateLimit-Reset"] = strconv.FormatInt(r.ResetAt.Unix(), 10)
	}
	return h
}
