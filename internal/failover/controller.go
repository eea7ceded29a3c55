package failover

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fiberstack/fiber/internal/model"
)

// Controller implements priority-based failover with stickiness. Targets
// are held in priority order: index 0 is the primary.
type Controller struct {
	targets []Target
	cfg     Config
	log     *slog.Logger

	mu            sync.Mutex
	activeIndex   int
	cooldownUntil time.Time
	successes     int
	failures      int
	backoff       time.Duration
}

// NewController builds a Controller over targets in priority order.
func NewController(targets []Target, cfg Config, log *slog.Logger) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		targets: targets,
		cfg:     cfg,
		log:     log,
		backoff: cfg.InitialBackoff,
	}
	for i, t := range targets {
		log.Info("failover target registered", "priority", i, "target", t.Name())
	}
	return c
}

// Push delivers one batch. The active target is tried first under the
// per-target timeout; on failure the controller backs off and walks the
// remaining targets in priority order.
func (c *Controller) Push(ctx context.Context, metrics []model.Metric) (string, error) {
	if len(c.targets) == 0 {
		return "", ErrNoTargets
	}

	c.mu.Lock()
	active := c.targets[c.activeIndex]
	c.mu.Unlock()

	err := c.tryPush(ctx, active, metrics)
	if err == nil {
		c.recordSuccess()
		return active.Name(), nil
	}

	c.recordFailure()
	return c.tryFallback(ctx, metrics, err)
}

// ActiveTarget reports the name of the target batches currently route to.
func (c *Controller) ActiveTarget() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.targets) == 0 {
		return ""
	}
	return c.targets[c.activeIndex].Name()
}

func (c *Controller) tryPush(ctx context.Context, t Target, metrics []model.Metric) error {
	pushCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := t.Push(pushCtx, metrics); err != nil {
		c.log.Warn("push failed", "target", t.Name(), "error", err)
		return err
	}
	return nil
}

func (c *Controller) tryFallback(ctx context.Context, metrics []model.Metric, cause error) (string, error) {
	c.mu.Lock()
	// uniform(0.5, 1.5) jitter so a fleet of probes does not retry in step.
	delay := time.Duration(float64(c.backoff) * (0.5 + rand.Float64()))
	c.backoff = min(c.backoff*2, c.cfg.MaxBackoff)
	skip := c.activeIndex
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(delay):
	}

	for i, t := range c.targets {
		if i == skip {
			continue
		}
		if err := c.tryPush(ctx, t, metrics); err != nil {
			cause = err
			continue
		}
		c.failoverTo(i)
		return t.Name(), nil
	}
	return "", fmt.Errorf("failover: all %d targets failed: %w", len(c.targets), cause)
}

func (c *Controller) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes++
	c.failures = 0
	c.backoff = c.cfg.InitialBackoff

	if c.activeIndex > 0 && c.successes >= c.cfg.PromotionThreshold && time.Now().After(c.cooldownUntil) {
		from := c.targets[c.activeIndex].Name()
		c.activeIndex = 0
		c.successes = 0
		c.log.Info("promoted back to primary", "from", from, "to", c.targets[0].Name())
	}
}

// recordFailure resets the consecutive-success streak so promotion back to
// the primary requires a fresh run of clean pushes.
func (c *Controller) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.successes = 0
}

func (c *Controller) failoverTo(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.targets[c.activeIndex].Name()
	c.activeIndex = i
	c.cooldownUntil = time.Now().Add(c.cfg.Stickiness)
	c.successes = 0
	c.backoff = c.cfg.InitialBackoff
	c.log.Warn("failover",
		"from", from, "to", c.targets[i].Name(),
		"failed_pushes", c.failures, "sticky_for", c.cfg.Stickiness)
	c.failures = 0
}
