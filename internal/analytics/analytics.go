// Package analytics maintains per-node sliding latency windows in Redis and
// scores each sample against its window: a z-score ramp flags latency
// anomalies, a fixed threshold flags packet-loss spikes. Scored samples are
// persisted as metrics_aggregated rows.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fiberstack/fiber/internal/model"
)

const (
	// windowSize is how many latency samples Redis keeps per node.
	windowSize = 20
	// minSamples gates scoring: below this, stdev is too noisy to trust.
	minSamples = 5
	// lossSpikeThreshold is the packet-loss percentage that flags a spike.
	lossSpikeThreshold = 1.0

	stateKeyPrefix = "state:latency:"
	// stateTTL reclaims windows of nodes that stopped reporting. Refreshed
	// on every sample, so active nodes never lose state.
	stateTTL = time.Hour
)

// Sink receives scored rows. *storage.Store satisfies it.
type Sink interface {
	InsertAggregated(ctx context.Context, agg model.AggregatedMetric) error
}

// Engine is stateful per node: each Process call pushes the sample into the
// node's window and scores it against the result.
type Engine struct {
	rdb  redis.Cmdable
	sink Sink
	log  *slog.Logger
}

// New creates an analytics engine.
func New(rdb redis.Cmdable, sink Sink, log *slog.Logger) *Engine {
	return &Engine{rdb: rdb, sink: sink, log: log}
}

// Process updates the node's latency window with the metric and, once the
// window holds enough samples, writes a scored metrics_aggregated row.
// The window includes the current sample.
func (e *Engine) Process(ctx context.Context, m model.Metric) error {
	if m.NodeID == "" {
		return nil
	}
	ts, err := model.ParseTimestamp(m.Timestamp)
	if err != nil {
		return fmt.Errorf("analytics: %w", err)
	}

	key := stateKeyPrefix + m.NodeID
	pipe := e.rdb.Pipeline()
	pipe.LPush(ctx, key, m.LatencyMS)
	pipe.LTrim(ctx, key, 0, windowSize-1)
	pipe.Expire(ctx, key, stateTTL)
	window := pipe.LRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("analytics: update latency window: %w", err)
	}

	raw, err := window.Result()
	if err != nil {
		return fmt.Errorf("analytics: read latency window: %w", err)
	}
	samples := make([]float64, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			e.log.Warn("analytics: dropping corrupt window sample", "node_id", m.NodeID, "value", s)
			continue
		}
		samples = append(samples, v)
	}
	if len(samples) < minSamples {
		return nil
	}

	mean, stdev := meanStdev(samples)
	score := 0.0
	if stdev > 0.001 {
		score = normalizeZ(math.Abs(m.LatencyMS-mean) / stdev)
	} else if math.Abs(m.LatencyMS-mean) > 1 {
		// Flat window, sudden jump: the z-score is undefined but the sample
		// is clearly anomalous.
		score = 1.0
	}

	agg := model.AggregatedMetric{
		Time:             ts,
		NodeID:           m.NodeID,
		LatencyAvgWindow: round2(mean),
		LatencyStdWindow: round2(stdev),
		PacketLossSpike:  m.PacketLoss > lossSpikeThreshold,
		AnomalyScore:     score,
	}
	if err := e.sink.InsertAggregated(ctx, agg); err != nil {
		return fmt.Errorf("analytics: persist scored sample: %w", err)
	}
	return nil
}

// meanStdev returns the mean and sample standard deviation (n-1 divisor).
func meanStdev(samples []float64) (mean, stdev float64) {
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))

	var sumsq float64
	for _, v := range samples {
		d := v - mean
		sumsq += d * d
	}
	return mean, math.Sqrt(sumsq / float64(len(samples)-1))
}

// normalizeZ maps a z-score onto [0, 1]: below 1.5 sigma is noise, above 3
// is critical, linear ramp between.
func normalizeZ(z float64) float64 {
	switch {
	case z < 1.5:
		return 0
	case z >= 3.0:
		return 1
	default:
		return round4((z - 1.5) / 1.5)
	}
}

func round2(x float64) float64 { return math.Round(x*100) / 100 }
func round4(x float64) float64 { return math.Round(x*10000) / 10000 }
