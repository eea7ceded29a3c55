package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fiberstack/fiber/internal/model"
)

var metricColumns = []string{"time", "node_id", "country", "region", "latency_ms", "uptime_pct", "packet_loss", "metadata"}

const insertMetricSQL = `
	INSERT INTO metrics (time, node_id, country, region, latency_ms, uptime_pct, packet_loss, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (time, node_id) DO NOTHING`

// BulkResult reports the outcome of a bulk metric insert.
type BulkResult struct {
	Inserted  int64 // rows newly written to metrics
	Conflicts int   // rows that collided on (time, node_id) and were audited
	Failed    int   // rows that errored individually on the fallback path
}

// InsertMetricsBulk writes a batch of metrics using the COPY protocol.
// A duplicate (time, node_id) aborts the whole COPY, so on unique violation
// the batch is replayed row by row: fresh rows insert, duplicates land in
// metric_conflicts. Timestamps must already be normalized to RFC-3339.
func (s *Store) InsertMetricsBulk(ctx context.Context, metrics []model.Metric) (BulkResult, error) {
	if len(metrics) == 0 {
		return BulkResult{}, nil
	}

	rows, err := buildMetricRows(metrics)
	if err != nil {
		return BulkResult{}, fmt.Errorf("storage: insert metrics: %w", err)
	}

	// Dedicated 30s COPY timeout prevents a hung Postgres from blocking the
	// ETL loop indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := s.db().CopyFrom(
		copyCtx,
		pgx.Identifier{"metrics"},
		metricColumns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err == nil {
		return BulkResult{Inserted: copyCount}, nil
	}
	if !isUniqueViolation(err) {
		return BulkResult{}, fmt.Errorf("storage: copy metrics: %w", err)
	}
	return s.insertMetricsRowwise(ctx, metrics, rows)
}

// insertMetricsRowwise is the conflict-tolerant slow path. Each row inserts
// independently; a row that fails affects only itself.
func (s *Store) insertMetricsRowwise(ctx context.Context, metrics []model.Metric, rows [][]any) (BulkResult, error) {
	var res BulkResult
	for i, vals := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		tag, err := s.db().Exec(ctx, insertMetricSQL, vals...)
		if err != nil {
			s.logger.Warn("storage: metric row insert failed", "node_id", metrics[i].NodeID, "error", err)
			res.Failed++
			continue
		}
		if tag.RowsAffected() > 0 {
			res.Inserted++
			continue
		}
		// Existing (time, node_id) row wins; audit the duplicate instead of
		// overwriting it.
		if err := s.recordConflict(ctx, metrics[i], vals[0].(time.Time)); err != nil {
			s.logger.Warn("storage: conflict audit failed", "node_id", metrics[i].NodeID, "error", err)
			res.Failed++
			continue
		}
		res.Conflicts++
	}
	return res, nil
}

func (s *Store) recordConflict(ctx context.Context, m model.Metric, ts time.Time) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("storage: marshal conflict payload: %w", err)
	}
	var region any
	if m.Meta != nil && m.Meta.SourceRegion != "" {
		region = m.Meta.SourceRegion
	}
	if _, err := s.db().Exec(ctx, `
		INSERT INTO metric_conflicts (time, node_id, payload, ingest_region)
		VALUES ($1, $2, $3, $4)`, ts, m.NodeID, payload, region); err != nil {
		return fmt.Errorf("storage: record conflict: %w", err)
	}
	return nil
}

func buildMetricRows(metrics []model.Metric) ([][]any, error) {
	rows := make([][]any, len(metrics))
	for i, m := range metrics {
		ts, err := model.ParseTimestamp(m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("metric %d (%s): %w", i, m.NodeID, err)
		}
		var metadata any
		if len(m.Metadata) > 0 {
			metadata = m.Metadata
		}
		rows[i] = []any{ts, m.NodeID, textOrNil(m.Country), textOrNil(m.Region), m.LatencyMS, m.UptimePct, m.PacketLoss, metadata}
	}
	return rows, nil
}

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MetricFilter narrows and pages a raw metric read.
type MetricFilter struct {
	NodeID string // optional; empty matches all nodes
	Limit  int    // defaults to 100
	Offset int
}

// ReadMetrics returns raw metric rows, newest first. It over-fetches by one
// row to detect whether another page exists.
func (s *Store) ReadMetrics(ctx context.Context, f MetricFilter) (model.MetricsPage, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	query := `SELECT time, node_id, COALESCE(country, ''), COALESCE(region, ''), latency_ms, uptime_pct, packet_loss
		FROM metrics`
	args := []any{}
	if f.NodeID != "" {
		query += ` WHERE node_id = $1`
		args = append(args, f.NodeID)
	}
	query += fmt.Sprintf(` ORDER BY time DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, f.Limit+1, f.Offset)

	rows, err := s.db().Query(ctx, query, args...)
	if err != nil {
		return model.MetricsPage{}, fmt.Errorf("storage: read metrics: %w", err)
	}
	defer rows.Close()

	out := make([]model.MetricRow, 0, f.Limit)
	for rows.Next() {
		var r model.MetricRow
		if err := rows.Scan(&r.Time, &r.NodeID, &r.Country, &r.Region, &r.LatencyMS, &r.UptimePct, &r.PacketLoss); err != nil {
			return model.MetricsPage{}, fmt.Errorf("storage: scan metric row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return model.MetricsPage{}, fmt.Errorf("storage: read metrics: %w", err)
	}

	page := model.MetricsPage{Limit: f.Limit, Offset: f.Offset}
	if len(out) > f.Limit {
		page.HasMore = true
		out = out[:f.Limit]
	}
	page.Rows = out
	return page, nil
}

// InsertAggregated writes one analytics output row.
func (s *Store) InsertAggregated(ctx context.Context, agg model.AggregatedMetric) error {
	var metadata any
	if len(agg.Metadata) > 0 {
		metadata = agg.Metadata
	}
	_, err := s.db().Exec(ctx, `
		INSERT INTO metrics_aggregated (time, node_id, latency_avg_window, latency_std_window, packet_loss_spike, anomaly_score, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		agg.Time, agg.NodeID, agg.LatencyAvgWindow, agg.LatencyStdWindow, agg.PacketLossSpike, agg.AnomalyScore, metadata)
	if err != nil {
		return fmt.Errorf("storage: insert aggregated metric: %w", err)
	}
	return nil
}
