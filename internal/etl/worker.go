// Package etl drains the shared Redis queue, repairs and deduplicates the
// popped metrics, fans them out to the alert and analytics engines, and
// bulk-inserts them into the store. One loop iteration processes one batch;
// a sibling heartbeat goroutine keeps liveness visible even when the loop
// is wedged on a store outage.
package etl

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/fiberstack/fiber/internal/config"
	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/queue"
	"github.com/fiberstack/fiber/internal/storage"
	"github.com/fiberstack/fiber/internal/telemetry"
)

const (
	dedupPrefix  = "dedup:"
	nodeCacheKey = "cache:nodes"

	dedupTTL          = 180 * time.Second
	heartbeatInterval = 10 * time.Second
	maxInsertBackoff  = 5 * time.Second
)

var etlMeter = telemetry.Meter("fiber/etl")

// Store is the slice of the storage layer the worker writes through.
type Store interface {
	InsertMetricsBulk(ctx context.Context, metrics []model.Metric) (storage.BulkResult, error)
	UpsertNodes(ctx context.Context, nodeIDs []string) error
}

// Engine receives each surviving metric. Both the alert and analytics
// engines satisfy it; their errors are logged and swallowed so a broken
// side channel never fails the batch.
type Engine interface {
	Process(ctx context.Context, m model.Metric) error
}

// BatchSummary is the per-batch outcome logged and mirrored to OTEL.
type BatchSummary struct {
	DurationMS     int64   `json:"duration_ms"`
	RowsProcessed  int     `json:"rows_processed"`
	RowsFailed     int     `json:"rows_failed"`
	DuplicateCount int     `json:"duplicate_count"`
	ErrorRate      float64 `json:"error_rate"`
}

// Worker is the ETL loop. Multiple replicas may run against the same queue;
// the atomic pop is the only coordination they need.
type Worker struct {
	queue     *queue.Queue
	rdb       redis.Cmdable
	store     Store
	alerts    Engine
	analytics Engine

	batchSize    int
	pollInterval time.Duration
	dedupEnabled bool

	log *slog.Logger
}

// NewWorker wires a worker from its collaborators. Either engine may be nil
// when that side channel is disabled.
func NewWorker(q *queue.Queue, rdb redis.Cmdable, store Store, alerts, analytics Engine, cfg config.Worker, log *slog.Logger) *Worker {
	return &Worker{
		queue:        q,
		rdb:          rdb,
		store:        store,
		alerts:       alerts,
		analytics:    analytics,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		dedupEnabled: cfg.DedupEnabled,
		log:          log,
	}
}

// Run drives the batch loop and the heartbeat writer until ctx is
// cancelled. Returns nil on clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.loop(ctx) })
	g.Go(func() error { return w.heartbeatLoop(ctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// loop processes batches back to back while the queue has entries, sleeps
// pollInterval when it is empty, and backs off progressively (capped at
// 5s) on store failure so heartbeat lag surfaces the outage.
func (w *Worker) loop(ctx context.Context) error {
	backoff := w.pollInterval
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		summary, popped, err := w.ProcessBatch(ctx)
		switch {
		case err != nil:
			w.log.Error("batch failed", "error", err, "popped", popped)
			backoff = min(backoff*2, maxInsertBackoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
		case popped == 0:
			backoff = w.pollInterval
			if !sleep(ctx, w.pollInterval) {
				return ctx.Err()
			}
		default:
			backoff = w.pollInterval
			w.logSummary(ctx, summary)
		}
	}
}

// heartbeatLoop refreshes the worker liveness field every 10s regardless of
// traffic, so /api/status distinguishes "idle" from "dead".
func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	if err := w.queue.HeartbeatETL(ctx); err != nil {
		w.log.Warn("initial heartbeat failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.queue.HeartbeatETL(ctx); err != nil {
				w.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// ProcessBatch pops and fully processes one batch. It returns the number of
// entries popped alongside the summary; an error means the batch could not
// be persisted and the caller should back off.
func (w *Worker) ProcessBatch(ctx context.Context) (BatchSummary, int, error) {
	payloads, err := w.queue.PopBatch(ctx, w.batchSize)
	if err != nil {
		return BatchSummary{}, 0, err
	}
	if len(payloads) == 0 {
		return BatchSummary{}, 0, nil
	}

	start := time.Now()
	var summary BatchSummary

	rows := w.normalizeAll(payloads, &summary)
	rows = w.dedup(ctx, rows, &summary)
	w.ensureNodes(ctx, rows)
	w.fanOut(ctx, rows)

	if len(rows) > 0 {
		res, err := w.store.InsertMetricsBulk(ctx, rows)
		if err != nil {
			summary.RowsFailed += len(rows)
			w.finishBatch(ctx, start, len(payloads), &summary)
			return summary, len(payloads), fmt.Errorf("etl: bulk insert: %w", err)
		}
		summary.RowsProcessed += int(res.Inserted) + res.Conflicts
		summary.DuplicateCount += res.Conflicts
		summary.RowsFailed += res.Failed
	}

	w.finishBatch(ctx, start, len(payloads), &summary)
	return summary, len(payloads), nil
}

// normalizeAll repairs each payload, dropping rows that cannot be repaired.
func (w *Worker) normalizeAll(payloads []string, summary *BatchSummary) []model.Metric {
	rows := make([]model.Metric, 0, len(payloads))
	for _, p := range payloads {
		m, err := Normalize([]byte(p))
		if err != nil {
			summary.RowsFailed++
			w.log.Warn("dropping unrepairable row", "error", err)
			continue
		}
		rows = append(rows, m)
	}
	return rows
}

// dedup claims a per-node minute slot for each row. Losing the claim means
// another worker (or an earlier batch) already carries this sample. A Redis
// failure keeps the row: capture beats dedup, and the store's unique
// constraint catches true duplicates downstream.
func (w *Worker) dedup(ctx context.Context, rows []model.Metric, summary *BatchSummary) []model.Metric {
	if !w.dedupEnabled || len(rows) == 0 {
		return rows
	}
	kept := rows[:0]
	for _, m := range rows {
		key := dedupPrefix + m.NodeID + ":" + minutePrefix(m.Timestamp)
		set, err := w.rdb.SetNX(ctx, key, "1", dedupTTL).Result()
		if err != nil {
			w.log.Warn("dedup check failed, keeping row",
				"node_id", m.NodeID, "trace_id", traceOf(m), "error", err)
			kept = append(kept, m)
			continue
		}
		if !set {
			summary.DuplicateCount++
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// ensureNodes registers first-seen node ids. The cache set makes the
// common case one SMISMEMBER; only misses touch the store. Failures are
// logged and ignored since metric rows do not depend on the registry.
func (w *Worker) ensureNodes(ctx context.Context, rows []model.Metric) {
	if len(rows) == 0 {
		return
	}
	seen := make(map[string]bool, len(rows))
	ids := make([]string, 0, len(rows))
	for _, m := range rows {
		if !seen[m.NodeID] {
			seen[m.NodeID] = true
			ids = append(ids, m.NodeID)
		}
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	hits, err := w.rdb.SMIsMember(ctx, nodeCacheKey, members...).Result()
	if err != nil {
		w.log.Warn("node cache check failed", "error", err)
		hits = make([]bool, len(ids))
	}

	var missing []string
	for i, id := range ids {
		if i >= len(hits) || !hits[i] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}

	if err := w.store.UpsertNodes(ctx, missing); err != nil {
		w.log.Warn("node upsert failed", "nodes", len(missing), "error", err)
		return
	}
	cached := make([]any, len(missing))
	for i, id := range missing {
		cached[i] = id
	}
	if err := w.rdb.SAdd(ctx, nodeCacheKey, cached...).Err(); err != nil {
		w.log.Warn("node cache add failed", "error", err)
	}
}

// fanOut hands each row to the alert and analytics engines. Engine errors
// never fail the batch.
func (w *Worker) fanOut(ctx context.Context, rows []model.Metric) {
	for _, m := range rows {
		if w.alerts != nil {
			if err := w.alerts.Process(ctx, m); err != nil {
				w.log.Warn("alert engine failed",
					"node_id", m.NodeID, "trace_id", traceOf(m), "error", err)
			}
		}
		if w.analytics != nil {
			if err := w.analytics.Process(ctx, m); err != nil {
				w.log.Warn("analytics engine failed",
					"node_id", m.NodeID, "trace_id", traceOf(m), "error", err)
			}
		}
	}
}

// finishBatch stamps duration and error rate, then reports to the status
// hash. The status write is best effort.
func (w *Worker) finishBatch(ctx context.Context, start time.Time, popped int, summary *BatchSummary) {
	summary.DurationMS = time.Since(start).Milliseconds()
	summary.ErrorRate = errorRate(summary.RowsProcessed, summary.RowsFailed)
	if err := w.queue.UpdateETLStatus(ctx, popped, summary.ErrorRate); err != nil {
		w.log.Warn("status update failed", "error", err)
	}
}

func (w *Worker) logSummary(ctx context.Context, s BatchSummary) {
	w.log.Info("batch complete",
		"duration_ms", s.DurationMS,
		"rows_processed", s.RowsProcessed,
		"rows_failed", s.RowsFailed,
		"duplicate_count", s.DuplicateCount,
		"error_rate", s.ErrorRate,
	)
	countN(ctx, "fiber.etl.rows_processed", int64(s.RowsProcessed))
	countN(ctx, "fiber.etl.rows_failed", int64(s.RowsFailed))
	countN(ctx, "fiber.etl.duplicates", int64(s.DuplicateCount))
	countN(ctx, "fiber.etl.batches", 1)
	if h, err := etlMeter.Float64Histogram("fiber.etl.batch_duration_ms"); err == nil {
		h.Record(ctx, float64(s.DurationMS))
	}
}

func errorRate(processed, failed int) float64 {
	total := processed + failed
	if total == 0 {
		return 0
	}
	return math.Round(float64(failed)/float64(total)*10000) / 10000
}

// traceOf surfaces the gateway-stamped trace id so worker logs correlate
// with the ingest request that carried the row.
func traceOf(m model.Metric) string {
	if m.Meta == nil {
		return ""
	}
	return m.Meta.TraceID
}

func countN(ctx context.Context, name string, n int64, attrs ...attribute.KeyValue) {
	if n == 0 {
		return
	}
	if c, err := etlMeter.Int64Counter(name); err == nil {
		c.Add(ctx, n, otelmetric.WithAttributes(attrs...))
	}
}

// sleep waits for d or until ctx cancels, reporting whether the full wait
// completed.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
