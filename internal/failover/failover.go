// Package failover routes metric batches across prioritized upstream
// targets.
//
// The Controller tries the active target first and walks the remaining
// targets in priority order on failure. Once a fallback accepts a batch it
// stays active for a stickiness window so the probe does not flap between
// upstreams, and it is promoted back to the primary only after a run of
// consecutive successes. All timing uses time.Now's monotonic reading, so
// wall-clock jumps on the probe host cannot shorten or extend the window.
//
// FanOut is the pre-failover behavior kept behind FAILOVER_ENABLED=false:
// every batch goes to every target concurrently and the push succeeds if
// any target accepted it.
package failover

import (
	"context"
	"errors"
	"time"

	"github.com/fiberstack/fiber/internal/model"
)

// ErrNoTargets is returned when a controller has nothing to push to.
var ErrNoTargets = errors.New("failover: no targets configured")

// Target is one upstream endpoint a controller can deliver a batch to.
// Push blocks until the batch is accepted, rejected, or ctx expires.
type Target interface {
	Name() string
	Push(ctx context.Context, metrics []model.Metric) error
}

// Pusher routes one batch to upstream targets. Push returns the name of
// the target that accepted the batch, or an error when none did.
type Pusher interface {
	Push(ctx context.Context, metrics []model.Metric) (string, error)
	ActiveTarget() string
}

// Config tunes the Controller. Zero values fall back to the defaults
// below, which match the probe's production settings.
type Config struct {
	// Stickiness is the minimum time spent on a fallback target before
	// promotion back to the primary is considered.
	Stickiness time.Duration

	// PromotionThreshold is the run of consecutive successes required on a
	// fallback target before promoting back to the primary.
	PromotionThreshold int

	// Timeout bounds a single push attempt against one target.
	Timeout time.Duration

	// InitialBackoff and MaxBackoff bound the jittered delay inserted
	// before fallback attempts. The delay doubles on each consecutive
	// failed push and resets on success.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

const (
	defaultStickiness         = 120 * time.Second
	defaultPromotionThreshold = 5
	defaultTimeout            = 10 * time.Second
	defaultInitialBackoff     = time.Second
	defaultMaxBackoff         = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Stickiness <= 0 {
		c.Stickiness = defaultStickiness
	}
	if c.PromotionThreshold <= 0 {
		c.PromotionThreshold = defaultPromotionThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}
