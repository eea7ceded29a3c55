package ratelimit

import (
	"context"
	"log/slog"
	"sync"
)

// recoveryStreak is the number of consecutive healthy Redis decisions
// required before distributed mode resumes.
const recoveryStreak = 5

// Switching routes decisions between the distributed and local tiers with
// hysteresis. Any Redis error drops to local mode immediately; while in
// local mode every request still probes Redis, and only a streak of
// recoveryStreak successes switches back. This keeps one slow Redis blip
// from bouncing the policy on every request.
type Switching struct {
	distributed Limiter
	local       Limiter
	log         *slog.Logger

	mu      sync.Mutex
	inLocal bool
	streak  int
}

// NewSwitching wraps the two tiers.
func NewSwitching(distributed, local Limiter, log *slog.Logger) *Switching {
	return &Switching{distributed: distributed, local: local, log: log}
}

// Allow asks the distributed tier first. Its answer is used only in
// distributed mode; in local mode the call doubles as a health probe and
// the local bucket decides.
func (s *Switching) Allow(ctx context.Context, key string) (Result, error) {
	res, err := s.distributed.Allow(ctx, key)
	if err != nil {
		s.log.Warn("distributed limiter unavailable", "error", err)
		s.recordHealth(false)
		return s.local.Allow(ctx, key)
	}
	if s.recordHealth(true) {
		return res, nil
	}
	return s.local.Allow(ctx, key)
}

// recordHealth updates the mode and reports whether distributed decisions
// currently apply. The streak is counted so that the success completing it
// is itself served from the distributed result.
func (s *Switching) recordHealth(success bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.streak++
		if s.inLocal && s.streak >= recoveryStreak {
			s.log.Info("redis recovered, resuming distributed rate limiting")
			s.inLocal = false
			s.streak = 0
		}
	} else {
		s.streak = 0
		if !s.inLocal {
			s.log.Warn("redis failure, falling back to local rate limiting")
			s.inLocal = true
		}
	}
	return !s.inLocal
}

// Mode reports the currently active tier.
func (s *Switching) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inLocal {
		return PolicyLocal
	}
	return PolicyDistributed
}

// Close closes both tiers.
func (s *Switching) Close() error {
	err := s.distributed.Close()
	if lerr := s.local.Close(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}
