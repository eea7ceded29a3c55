package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fiberstack/fiber/internal/model"
)

// aggregateViews maps each continuous-aggregate view the query layer may
// read to the dimension columns it carries. View and dimension names are
// interpolated into SQL, so every name must pass through this table first.
var aggregateViews = map[string]map[string]bool{
	"aggregates_1m":        {"node_id": true, "region": true},
	"aggregates_5m_node":   {"node_id": true},
	"aggregates_5m_region": {"region": true},
	"aggregates_hourly":    {"node_id": true, "region": true},
	"aggregates_daily":     {"node_id": true, "region": true},
}

// ReadAggregates reads bucketed statistics from a continuous aggregate,
// grouped by dimCol ("node_id" or "region"). Views keyed by both node and
// region are re-aggregated with sample_count weighting so averages stay
// correct when buckets collapse.
func (s *Store) ReadAggregates(ctx context.Context, view, dimCol string, start, end time.Time) ([]model.AggregateBucket, error) {
	cols, ok := aggregateViews[view]
	if !ok {
		return nil, fmt.Errorf("storage: unknown aggregate view %q", view)
	}
	if !cols[dimCol] {
		return nil, fmt.Errorf("storage: view %s has no %s dimension", view, dimCol)
	}

	query := fmt.Sprintf(`
		SELECT bucket, COALESCE(%[2]s::text, ''),
			COALESCE(SUM(latency_avg * sample_count) / NULLIF(SUM(sample_count), 0), 0),
			COALESCE(MAX(latency_max), 0),
			COALESCE(SUM(uptime_avg * sample_count) / NULLIF(SUM(sample_count), 0), 0),
			COALESCE(SUM(loss_avg * sample_count) / NULLIF(SUM(sample_count), 0), 0),
			COALESCE(SUM(sample_count), 0)
		FROM %[1]s
		WHERE bucket >= $1 AND bucket < $2
		GROUP BY bucket, %[2]s
		ORDER BY bucket, %[2]s`, view, dimCol)

	rows, err := s.db().Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", view, err)
	}
	defer rows.Close()

	return scanAggregateBuckets(rows)
}

// ReadAggregatesRaw computes the same bucketed statistics directly from the
// metrics hypertable. It is the fallback when aggregates are stale, broken,
// or the window is too small for them to have materialized.
func (s *Store) ReadAggregatesRaw(ctx context.Context, dimCol string, start, end time.Time, bucket time.Duration) ([]model.AggregateBucket, error) {
	if dimCol != "node_id" && dimCol != "region" {
		return nil, fmt.Errorf("storage: invalid dimension column %q", dimCol)
	}
	if bucket < time.Second {
		bucket = time.Minute
	}

	query := fmt.Sprintf(`
		SELECT time_bucket($3::interval, time) AS bucket, COALESCE(%[1]s::text, ''),
			AVG(latency_ms), MAX(latency_ms), AVG(uptime_pct), AVG(packet_loss), COUNT(*)
		FROM metrics
		WHERE time >= $1 AND time < $2
		GROUP BY 1, %[1]s
		ORDER BY 1, %[1]s`, dimCol)

	interval := fmt.Sprintf("%d seconds", int(bucket.Seconds()))
	rows, err := s.db().Query(ctx, query, start, end, interval)
	if err != nil {
		return nil, fmt.Errorf("storage: read raw aggregates: %w", err)
	}
	defer rows.Close()

	return scanAggregateBuckets(rows)
}

func scanAggregateBuckets(rows pgx.Rows) ([]model.AggregateBucket, error) {
	var out []model.AggregateBucket
	for rows.Next() {
		var b model.AggregateBucket
		if err := rows.Scan(&b.Bucket, &b.Dimension, &b.LatencyAvg, &b.LatencyMax, &b.UptimeAvg, &b.LossAvg, &b.Samples); err != nil {
			return nil, fmt.Errorf("storage: scan aggregate bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ClusterSummary computes fleet-wide averages over a window plus the topN
// worst nodes, ranked by packet loss then latency.
func (s *Store) ClusterSummary(ctx context.Context, start, end time.Time, topN int) (model.ClusterSummary, error) {
	if topN <= 0 {
		topN = 5
	}

	out := model.ClusterSummary{WindowStart: start, WindowEnd: end}
	err := s.db().QueryRow(ctx, `
		SELECT COUNT(DISTINCT node_id),
			COALESCE(AVG(latency_ms), 0), COALESCE(AVG(uptime_pct), 0), COALESCE(AVG(packet_loss), 0)
		FROM metrics WHERE time >= $1 AND time < $2`, start, end).
		Scan(&out.NodeCount, &out.LatencyAvg, &out.UptimeAvg, &out.LossAvg)
	if err != nil {
		return model.ClusterSummary{}, fmt.Errorf("storage: cluster summary: %w", err)
	}

	rows, err := s.db().Query(ctx, `
		SELECT node_id, AVG(latency_ms), AVG(uptime_pct), AVG(packet_loss)
		FROM metrics
		WHERE time >= $1 AND time < $2
		GROUP BY node_id
		ORDER BY AVG(packet_loss) DESC, AVG(latency_ms) DESC
		LIMIT $3`, start, end, topN)
	if err != nil {
		return model.ClusterSummary{}, fmt.Errorf("storage: problem nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.ProblemNode
		if err := rows.Scan(&p.NodeID, &p.LatencyAvg, &p.UptimeAvg, &p.LossAvg); err != nil {
			return model.ClusterSummary{}, fmt.Errorf("storage: scan problem node: %w", err)
		}
		out.ProblemNodes = append(out.ProblemNodes, p)
	}
	return out, rows.Err()
}
