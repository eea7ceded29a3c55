package failover

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/fiberstack/fiber/internal/model"
)

// FanOutName is the active-target name reported in fan-out mode.
const FanOutName = "fan-out"

// FanOut pushes every batch to all targets concurrently. A push succeeds
// when at least one target accepts the batch.
type FanOut struct {
	targets []Target
	log     *slog.Logger
}

// NewFanOut builds a FanOut over all targets.
func NewFanOut(targets []Target, log *slog.Logger) *FanOut {
	log.Info("fan-out mode: pushing to all targets", "targets", len(targets))
	return &FanOut{targets: targets, log: log}
}

// Push delivers the batch to every target. Failures on individual targets
// are logged; the push only fails when no target accepted the batch.
func (f *FanOut) Push(ctx context.Context, metrics []model.Metric) (string, error) {
	if len(f.targets) == 0 {
		return "", ErrNoTargets
	}

	var accepted atomic.Int64
	var g errgroup.Group
	for _, t := range f.targets {
		g.Go(func() error {
			if err := t.Push(ctx, metrics); err != nil {
				f.log.Warn("fan-out push failed", "target", t.Name(), "error", err)
				return err
			}
			accepted.Add(1)
			return nil
		})
	}
	err := g.Wait()

	if accepted.Load() == 0 {
		return "", fmt.Errorf("failover: fan-out: no target accepted batch: %w", err)
	}
	f.log.Debug("fan-out complete", "accepted", accepted.Load(), "targets", len(f.targets))
	return FanOutName, nil
}

// ActiveTarget always reports the fan-out pseudo target.
func (f *FanOut) ActiveTarget() string {
	return FanOutName
}
