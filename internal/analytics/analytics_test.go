package analytics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/internal/analytics"
	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/testutil"
)

type captureSink struct {
	rows []model.AggregatedMetric
	err  error
}

func (c *captureSink) InsertAggregated(_ context.Context, agg model.AggregatedMetric) error {
	if c.err != nil {
		return c.err
	}
	c.rows = append(c.rows, agg)
	return nil
}

const sampleTS = "2026-01-15T10:30:00Z"

func metric(node string, latency, loss float64) model.Metric {
	return model.Metric{
		NodeID:     node,
		LatencyMS:  latency,
		UptimePct:  99.0,
		PacketLoss: loss,
		Timestamp:  sampleTS,
	}
}

func TestProcess_BelowMinSamplesWritesNothing(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	sink := &captureSink{}
	eng := analytics.New(client, sink, testutil.TestLogger())
	ctx := context.Background()

	for range 4 {
		require.NoError(t, eng.Process(ctx, metric("node-a", 50, 0)))
	}
	assert.Empty(t, sink.rows)
	assert.Equal(t, int64(4), client.LLen(ctx, "state:latency:node-a").Val())
}

func TestProcess_FlatWindowScoresZero(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	sink := &captureSink{}
	eng := analytics.New(client, sink, testutil.TestLogger())
	ctx := context.Background()

	for range 5 {
		require.NoError(t, eng.Process(ctx, metric("node-flat", 50, 0)))
	}
	require.Len(t, sink.rows, 1)
	row := sink.rows[0]
	assert.InDelta(t, 50.0, row.LatencyAvgWindow, 1e-9)
	assert.InDelta(t, 0.0, row.LatencyStdWindow, 1e-9)
	assert.Zero(t, row.AnomalyScore)
	assert.False(t, row.PacketLossSpike)
	assert.True(t, row.Time.Equal(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)))
}

func TestProcess_OutlierOnRamp(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	sink := &captureSink{}
	eng := analytics.New(client, sink, testutil.TestLogger())
	ctx := context.Background()

	for range 5 {
		require.NoError(t, eng.Process(ctx, metric("node-ramp", 50, 0)))
	}
	require.NoError(t, eng.Process(ctx, metric("node-ramp", 110, 0)))

	// Window [110, 50x5]: mean 60, sample stdev sqrt(600) = 24.49,
	// z = 50/24.49 = 2.0412 -> (z-1.5)/1.5 = 0.3608.
	require.Len(t, sink.rows, 2)
	row := sink.rows[1]
	assert.InDelta(t, 60.0, row.LatencyAvgWindow, 1e-9)
	assert.InDelta(t, 24.49, row.LatencyStdWindow, 1e-9)
	assert.InDelta(t, 0.3608, row.AnomalyScore, 1e-9)
}

func TestProcess_CriticalOutlierScoresOne(t *testing.T) {
	mr, client := testutil.NewMiniRedis(t)
	sink := &captureSink{}
	eng := analytics.New(client, sink, testutil.TestLogger())
	ctx := context.Background()

	// A long stable history makes a big jump exceed 3 sigma even though the
	// sample itself is inside the window.
	for range 20 {
		_, err := mr.Lpush("state:latency:node-crit", "50")
		require.NoError(t, err)
	}
	require.NoError(t, eng.Process(ctx, metric("node-crit", 500, 0)))

	require.Len(t, sink.rows, 1)
	row := sink.rows[0]
	assert.InDelta(t, 72.5, row.LatencyAvgWindow, 1e-9)
	assert.InDelta(t, 100.62, row.LatencyStdWindow, 1e-9)
	assert.InDelta(t, 1.0, row.AnomalyScore, 1e-9)
}

func TestProcess_WindowCappedAtTwenty(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	eng := analytics.New(client, &captureSink{}, testutil.TestLogger())
	ctx := context.Background()

	for i := range 25 {
		require.NoError(t, eng.Process(ctx, metric("node-cap", float64(40+i), 0)))
	}
	assert.Equal(t, int64(20), client.LLen(ctx, "state:latency:node-cap").Val())
}

func TestProcess_LossSpikeFlagged(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	sink := &captureSink{}
	eng := analytics.New(client, sink, testutil.TestLogger())
	ctx := context.Background()

	for range 5 {
		require.NoError(t, eng.Process(ctx, metric("node-loss", 50, 2.5)))
	}
	require.Len(t, sink.rows, 1)
	assert.True(t, sink.rows[0].PacketLossSpike)
	assert.Zero(t, sink.rows[0].AnomalyScore)
}

func TestProcess_EmptyNodeIDSkipped(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	sink := &captureSink{}
	eng := analytics.New(client, sink, testutil.TestLogger())
	ctx := context.Background()

	require.NoError(t, eng.Process(ctx, metric("", 50, 0)))
	assert.Empty(t, sink.rows)
	assert.Empty(t, client.Keys(ctx, "*").Val())
}

func TestProcess_BadTimestamp(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	eng := analytics.New(client, &captureSink{}, testutil.TestLogger())

	m := metric("node-bad", 50, 0)
	m.Timestamp = "not-a-time"
	require.Error(t, eng.Process(context.Background(), m))
}

func TestProcess_SinkErrorPropagates(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	sink := &captureSink{err: assert.AnError}
	eng := analytics.New(client, sink, testutil.TestLogger())
	ctx := context.Background()

	for range 4 {
		require.NoError(t, eng.Process(ctx, metric("node-err", 50, 0)))
	}
	err := eng.Process(ctx, metric("node-err", 50, 0))
	require.ErrorIs(t, err, assert.AnError)
}

func TestProcess_RedisDown(t *testing.T) {
	mr, client := testutil.NewMiniRedis(t)
	eng := analytics.New(client, &captureSink{}, testutil.TestLogger())
	mr.Close()

	require.Error(t, eng.Process(context.Background(), metric("node-down", 50, 0)))
}
