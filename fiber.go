// Package fiber is the public API for embedding the fiber telemetry
// pipeline processes. The pipeline ships as three binaries (gateway,
// ETL worker, and probe agent) and each has a facade here:
//
//	gw, err := fiber.NewGateway(
//	    fiber.WithVersion(version),
//	    fiber.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := gw.Run(ctx); err != nil { ... }
//
// New* constructors read configuration from the environment, wire every
// subsystem, and return without starting goroutines; Run starts the
// process loops and blocks until ctx is cancelled or a fatal error
// occurs, then shuts down gracefully. The import graph enforces a strict
// no-cycle rule: fiber (root) imports internal/*, but internal/* never
// imports fiber. Public types (Measurement, Collector) are standalone
// with no internal imports; conversions live here because this is the
// only package that sees both sides of the boundary.
package fiber

import (
	"context"
	"time"
)

// Shutdown phase budgets. Each phase gets its own timeout so early
// completion does not steal budget from later phases.
const (
	shutdownHTTPTimeout  = 10 * time.Second
	shutdownDrainTimeout = 10 * time.Second
)

// Measurement is one probe reading: the public shape of a pipeline
// metric before the probe stamps node identity and timestamp onto it.
type Measurement struct {
	LatencyMS  float64
	UptimePct  float64
	PacketLoss float64
	Metadata   map[string]any
}

// Collector produces one Measurement per probe cycle. The built-in
// collector synthesizes plausible link telemetry; deployments with real
// probing hardware replace it via WithCollector.
type Collector interface {
	Collect(ctx context.Context) (Measurement, error)
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
