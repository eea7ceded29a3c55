package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// take refills the bucket from elapsed time and consumes one token if
// available.
func (b *bucket) take(rate, burst float64, now time.Time) bool {
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens = math.Min(burst, b.tokens+elapsed*rate)
	b.lastAccess = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter implements Limiter using an in-memory token bucket per key.
//
// Each key gets an independent bucket with a configurable refill rate
// (tokens per second) and burst capacity (maximum tokens). A background
// goroutine evicts stale entries every minute to bound memory. This is the
// fallback tier: it only protects a single process, so its rate is usually
// set stricter than the distributed one.
type MemoryLimiter struct {
	rate  float64 // tokens added per second
	burst float64 // maximum tokens (bucket capacity)

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter.
//   - rate: sustained requests per second per key
//   - burst: maximum burst size (token bucket capacity)
//
// A background goroutine evicts keys not accessed in the last 10 minutes.
// Call Close to stop it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the bucket for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// First request for this key: start with a full bucket minus one token.
		b = &bucket{tokens: m.burst, lastAccess: now}
		m.buckets[key] = b
	}

	res := Result{
		Policy: PolicyLocal,
		Limit:  int(m.burst),
	}
	res.Allowed = b.take(m.rate, m.burst, now)
	res.Remaining = int(b.tokens)
	if !res.Allowed && m.rate > 0 {
		res.RetryAfter = time.Duration(math.Ceil((1-b.tokens)/m.rate)) * time.Second
	}
	return res, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

// GlobalCap is the process-wide admission bucket checked before any
// per-key limit. Its rate equals its capacity, so a sustained overload is
// shed at exactly the configured requests per second. Rejection maps to
// 503, not 429: the system is overloaded, the caller did nothing wrong.
type GlobalCap struct {
	mu     sync.Mutex
	b      bucket
	rate   float64
	burst  float64
	inited bool
}

// NewGlobalCap builds the cap; maxPerSecond is both rate and capacity.
func NewGlobalCap(maxPerSecond float64) *GlobalCap {
	return &GlobalCap{rate: maxPerSecond, burst: maxPerSecond}
}

// Admit consumes one token; false means the process is over capacity.
func (g *GlobalCap) Admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if !g.inited {
		g.b = bucket{tokens: g.burst, lastAccess: now}
		g.inited = true
	}
	return g.b.take(g.rate, g.burst, now)
}
