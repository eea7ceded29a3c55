package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/storage"
	"github.com/fiberstack/fiber/internal/testutil"
)

// testStore is shared by all tests in this package. Tests isolate themselves
// by node_id (and by time window for fleet-wide queries).
var testStore *storage.Store

func TestMain(m *testing.M) {
	tc := testutil.MustStartTimescaleDB()

	var err error
	testStore, err = tc.NewTestStore(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create store: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testStore.Close()
	tc.Terminate()
	os.Exit(code)
}

func metricAt(node string, ts time.Time, latency, loss float64) model.Metric {
	return model.Metric{
		NodeID:     node,
		Country:    "GH",
		Region:     "Accra",
		LatencyMS:  latency,
		UptimePct:  99.0,
		PacketLoss: loss,
		Timestamp:  ts.UTC().Format(time.RFC3339),
	}
}

func countRows(t *testing.T, table, nodeID string) int {
	t.Helper()
	var n int
	err := testStore.Pool().QueryRow(context.Background(),
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE node_id = $1", table), nodeID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestInsertMetricsBulk_CopyPath(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute)

	res, err := testStore.InsertMetricsBulk(ctx, []model.Metric{
		metricAt("bulk-a", base, 45.5, 0.1),
		metricAt("bulk-a", base.Add(time.Second), 46.0, 0.2),
		metricAt("bulk-a", base.Add(2*time.Second), 47.2, 0.0),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Inserted)
	assert.Zero(t, res.Conflicts)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 3, countRows(t, "metrics", "bulk-a"))
}

func TestInsertMetricsBulk_DuplicateFallsBackRowwise(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute)

	first := metricAt("bulk-dup", base, 50.0, 1.0)
	res, err := testStore.InsertMetricsBulk(ctx, []model.Metric{first})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Inserted)

	// Same (time, node_id) plus one fresh row: COPY aborts and the batch
	// replays row by row.
	dup := first
	dup.LatencyMS = 999.0
	dup.Meta = &model.IngestMeta{SourceRegion: "eu-west"}
	res, err = testStore.InsertMetricsBulk(ctx, []model.Metric{
		dup,
		metricAt("bulk-dup", base.Add(time.Second), 51.0, 1.1),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, 1, res.Conflicts)
	assert.Zero(t, res.Failed)

	assert.Equal(t, 2, countRows(t, "metrics", "bulk-dup"))
	assert.Equal(t, 1, countRows(t, "metric_conflicts", "bulk-dup"))

	// The existing row wins; the loser is audited verbatim.
	var gotLatency float64
	err = testStore.Pool().QueryRow(ctx,
		"SELECT latency_ms FROM metrics WHERE node_id = 'bulk-dup' AND time = $1", base).Scan(&gotLatency)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, gotLatency, 0.001)

	var payloadNode, ingestRegion string
	err = testStore.Pool().QueryRow(ctx,
		"SELECT payload->>'node_id', COALESCE(ingest_region, '') FROM metric_conflicts WHERE node_id = 'bulk-dup'").
		Scan(&payloadNode, &ingestRegion)
	require.NoError(t, err)
	assert.Equal(t, "bulk-dup", payloadNode)
	assert.Equal(t, "eu-west", ingestRegion)
}

func TestInsertMetricsBulk_RejectsUnparseableTimestamp(t *testing.T) {
	m := metricAt("bulk-bad", time.Now(), 10, 0)
	m.Timestamp = "not-a-time"
	_, err := testStore.InsertMetricsBulk(context.Background(), []model.Metric{m})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bulk-bad")
}

func TestInsertMetricsBulk_EmptyIsNoop(t *testing.T) {
	res, err := testStore.InsertMetricsBulk(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, storage.BulkResult{}, res)
}

func TestReadMetrics_Pagination(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute)

	batch := make([]model.Metric, 5)
	for i := range batch {
		batch[i] = metricAt("page-n", base.Add(time.Duration(i)*time.Second), float64(10+i), 0)
	}
	_, err := testStore.InsertMetricsBulk(ctx, batch)
	require.NoError(t, err)

	page, err := testStore.ReadMetrics(ctx, storage.MetricFilter{NodeID: "page-n", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 2, page.Limit)
	// Newest first.
	assert.InDelta(t, 14.0, page.Rows[0].LatencyMS, 0.001)
	assert.InDelta(t, 13.0, page.Rows[1].LatencyMS, 0.001)

	page, err = testStore.ReadMetrics(ctx, storage.MetricFilter{NodeID: "page-n", Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.False(t, page.HasMore)
	assert.InDelta(t, 10.0, page.Rows[0].LatencyMS, 0.001)
}

func TestInsertAggregated(t *testing.T) {
	ctx := context.Background()
	err := testStore.InsertAggregated(ctx, model.AggregatedMetric{
		Time:             time.Now().UTC(),
		NodeID:           "agg-out",
		LatencyAvgWindow: 52.3,
		LatencyStdWindow: 4.1,
		PacketLossSpike:  true,
		AnomalyScore:     0.8215,
		Metadata:         map[string]any{"window": 20},
	})
	require.NoError(t, err)

	var score float64
	var spike bool
	err = testStore.Pool().QueryRow(ctx,
		"SELECT anomaly_score, packet_loss_spike FROM metrics_aggregated WHERE node_id = 'agg-out'").
		Scan(&score, &spike)
	require.NoError(t, err)
	assert.InDelta(t, 0.8215, score, 0.0001)
	assert.True(t, spike)
}

func TestUpsertNodes(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testStore.UpsertNodes(ctx, []string{"up-a", "up-b"}))

	a, err := testStore.GetNode(ctx, "up-a")
	require.NoError(t, err)
	assert.Equal(t, model.NodeReporting, a.Status)
	require.NotNil(t, a.LastSeen)
	firstSeen := *a.LastSeen

	// A registered node flips to reporting on its first metric.
	_, err = testStore.CreateNode(ctx, model.CreateNodeRequest{NodeID: "up-c"})
	require.NoError(t, err)
	c, err := testStore.GetNode(ctx, "up-c")
	require.NoError(t, err)
	assert.Equal(t, model.NodeRegistered, c.Status)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, testStore.UpsertNodes(ctx, []string{"up-a", "up-c"}))

	a, err = testStore.GetNode(ctx, "up-a")
	require.NoError(t, err)
	assert.True(t, a.LastSeen.After(firstSeen))

	c, err = testStore.GetNode(ctx, "up-c")
	require.NoError(t, err)
	assert.Equal(t, model.NodeReporting, c.Status)

	require.NoError(t, testStore.UpsertNodes(ctx, nil))
}

func TestNodeLifecycle(t *testing.T) {
	ctx := context.Background()
	lat, lng := 5.6037, -0.187

	created, err := testStore.CreateNode(ctx, model.CreateNodeRequest{
		NodeID:  "life-a",
		Name:    "Accra edge",
		Country: "GH",
		Region:  "Accra",
		Lat:     &lat,
		Lng:     &lng,
	})
	require.NoError(t, err)
	assert.Equal(t, model.NodeRegistered, created.Status)

	_, err = testStore.CreateNode(ctx, model.CreateNodeRequest{NodeID: "life-a"})
	require.ErrorIs(t, err, storage.ErrDuplicate)

	got, err := testStore.GetNode(ctx, "life-a")
	require.NoError(t, err)
	assert.Equal(t, "Accra edge", got.Name)
	assert.Equal(t, "GH", got.Country)
	require.NotNil(t, got.Lat)
	assert.InDelta(t, 5.6037, *got.Lat, 0.0001)

	_, err = testStore.GetNode(ctx, "life-missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testStore.CreateNode(ctx, model.CreateNodeRequest{NodeID: "life-b"})
	require.NoError(t, err)
	require.NoError(t, testStore.DeleteNode(ctx, "life-b"))

	nodes, err := testStore.ListNodes(ctx)
	require.NoError(t, err)
	byID := map[string]model.Node{}
	for _, n := range nodes {
		byID[n.NodeID] = n
	}
	assert.Contains(t, byID, "life-a")
	assert.NotContains(t, byID, "life-b")

	// Soft delete keeps the row but hides it; deleting again is a miss.
	require.ErrorIs(t, testStore.DeleteNode(ctx, "life-b"), storage.ErrNotFound)
	require.ErrorIs(t, testStore.DeleteNode(ctx, "life-missing"), storage.ErrNotFound)
}

func TestReadAggregatesRaw_Buckets(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Hour).Add(-24 * time.Hour)

	batch := []model.Metric{
		metricAt("raw-n", base, 10, 0),
		metricAt("raw-n", base.Add(10*time.Second), 20, 0),
		metricAt("raw-n", base.Add(20*time.Second), 30, 0),
		metricAt("raw-n", base.Add(61*time.Second), 100, 2),
		metricAt("raw-n", base.Add(70*time.Second), 200, 4),
	}
	_, err := testStore.InsertMetricsBulk(ctx, batch)
	require.NoError(t, err)

	buckets, err := testStore.ReadAggregatesRaw(ctx, "node_id", base, base.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)

	var mine []model.AggregateBucket
	for _, b := range buckets {
		if b.Dimension == "raw-n" {
			mine = append(mine, b)
		}
	}
	require.Len(t, mine, 2)
	assert.Equal(t, int64(3), mine[0].Samples)
	assert.InDelta(t, 20.0, mine[0].LatencyAvg, 0.001)
	assert.InDelta(t, 30.0, mine[0].LatencyMax, 0.001)
	assert.Equal(t, int64(2), mine[1].Samples)
	assert.InDelta(t, 150.0, mine[1].LatencyAvg, 0.001)
	assert.InDelta(t, 3.0, mine[1].LossAvg, 0.001)

	_, err = testStore.ReadAggregatesRaw(ctx, "latency_ms; DROP TABLE metrics", base, base.Add(time.Minute), time.Minute)
	require.Error(t, err)
}

func TestContinuousAggregates(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute).Add(-10 * time.Minute)

	batch := []model.Metric{
		metricAt("cagg-n", base, 40, 0.5),
		metricAt("cagg-n", base.Add(5*time.Second), 60, 1.5),
		metricAt("cagg-n", base.Add(time.Minute), 80, 0),
		metricAt("cagg-m", base.Add(10*time.Second), 110, 0),
	}
	for i := range batch {
		batch[i].Region = "cagg-region"
	}
	_, err := testStore.InsertMetricsBulk(ctx, batch)
	require.NoError(t, err)

	_, err = testStore.Pool().Exec(ctx, "CALL refresh_continuous_aggregate('aggregates_1m', NULL, NULL)")
	require.NoError(t, err)

	byNode, err := testStore.ReadAggregates(ctx, "aggregates_1m", "node_id", base.Add(-time.Minute), base.Add(5*time.Minute))
	require.NoError(t, err)
	var mine []model.AggregateBucket
	for _, b := range byNode {
		if b.Dimension == "cagg-n" {
			mine = append(mine, b)
		}
	}
	require.Len(t, mine, 2)
	assert.Equal(t, int64(2), mine[0].Samples)
	assert.InDelta(t, 50.0, mine[0].LatencyAvg, 0.001)
	assert.InDelta(t, 60.0, mine[0].LatencyMax, 0.001)
	assert.InDelta(t, 1.0, mine[0].LossAvg, 0.001)

	// Region grouping re-aggregates with sample_count weighting: bucket 0
	// holds cagg-n (avg 50 over 2 samples) and cagg-m (110 over 1), so the
	// regional average is 70, not the naive mean of averages (80).
	byRegion, err := testStore.ReadAggregates(ctx, "aggregates_1m", "region", base.Add(-time.Minute), base.Add(5*time.Minute))
	require.NoError(t, err)
	var regional []model.AggregateBucket
	for _, b := range byRegion {
		if b.Dimension == "cagg-region" {
			regional = append(regional, b)
		}
	}
	require.Len(t, regional, 2)
	assert.Equal(t, int64(3), regional[0].Samples)
	assert.InDelta(t, 70.0, regional[0].LatencyAvg, 0.001)

	lag, empty, err := testStore.AggregateLag(ctx, "aggregates_1m")
	require.NoError(t, err)
	assert.False(t, empty)
	assert.GreaterOrEqual(t, lag, time.Duration(0))
	assert.Less(t, lag, time.Hour)

	// Never refreshed in this suite: exists but has no buckets.
	_, empty, err = testStore.AggregateLag(ctx, "aggregates_daily")
	require.NoError(t, err)
	assert.True(t, empty)

	_, _, err = testStore.AggregateLag(ctx, "pg_catalog.pg_tables")
	require.Error(t, err)

	_, err = testStore.ReadAggregates(ctx, "aggregates_5m_node", "region", base, base.Add(time.Minute))
	require.Error(t, err)
}

func TestClusterSummary(t *testing.T) {
	ctx := context.Background()
	// A distant window keeps the other tests' rows out of the fleet averages.
	base := time.Now().UTC().Truncate(time.Hour).Add(-48 * time.Hour)

	batch := []model.Metric{
		metricAt("cl-good", base, 20, 0.1),
		metricAt("cl-good", base.Add(time.Second), 22, 0.1),
		metricAt("cl-bad", base, 400, 8.0),
		metricAt("cl-bad", base.Add(time.Second), 420, 9.0),
	}
	_, err := testStore.InsertMetricsBulk(ctx, batch)
	require.NoError(t, err)

	sum, err := testStore.ClusterSummary(ctx, base, base.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.NodeCount)
	assert.InDelta(t, (20+22+400+420)/4.0, sum.LatencyAvg, 0.001)
	require.Len(t, sum.ProblemNodes, 1)
	assert.Equal(t, "cl-bad", sum.ProblemNodes[0].NodeID)
	assert.InDelta(t, 410.0, sum.ProblemNodes[0].LatencyAvg, 0.001)

	empty, err := testStore.ClusterSummary(ctx, base.Add(-2*time.Hour), base.Add(-time.Hour), 5)
	require.NoError(t, err)
	assert.Zero(t, empty.NodeCount)
	assert.Zero(t, empty.LatencyAvg)
	assert.Empty(t, empty.ProblemNodes)
}
