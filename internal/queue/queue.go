// Package queue is the Redis plumbing between the gateway and the ETL
// worker: the metric list the gateway feeds and the worker drains, the
// replay/idempotency guards for signed batches, and the status keys both
// sides use to report health.
//
// Layout in Redis:
//
//	fiber:etl:queue          LIST   serialized metrics, RPUSH in / Lua pop out
//	fiber:etl:status         HASH   worker heartbeat and batch counters
//	probe:heartbeat:<node>   STRING probe self-report, 60s TTL
//	nonce:<nonce>            STRING replay guard, 10m TTL
//	idempotency:batch:<id>   STRING batch dedup, 10m TTL
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fiberstack/fiber/internal/model"
)

// QueueKey is the metric list shared by the gateway and the worker.
const QueueKey = "fiber:etl:queue"

const (
	etlStatusKey         = "fiber:etl:status"
	probeHeartbeatPrefix = "probe:heartbeat:"
	noncePrefix          = "nonce:"
	idempotencyPrefix    = "idempotency:batch:"

	nonceTTL       = 10 * time.Minute
	idempotencyTTL = 10 * time.Minute
	heartbeatTTL   = 60 * time.Second
)

// Heartbeat lag thresholds for the worker state reported by /api/status.
const (
	healthyLag  = 30 * time.Second
	degradedLag = 60 * time.Second
)

// popScript drains up to ARGV[1] entries as one atomic step so two workers
// never see the same entry.
var popScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, ARGV[1] - 1)
if #items > 0 then
  redis.call('LTRIM', KEYS[1], #items, -1)
end
return items
`)

// Queue wraps the Redis handoff between gateway and worker.
type Queue struct {
	rdb redis.Cmdable
	log *slog.Logger
}

// New builds a Queue on an existing Redis client.
func New(rdb redis.Cmdable, log *slog.Logger) *Queue {
	return &Queue{rdb: rdb, log: log}
}

// Enqueue appends serialized metrics to the ETL queue in one pipeline
// round trip.
func (q *Queue) Enqueue(ctx context.Context, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	pipe := q.rdb.Pipeline()
	for _, p := range payloads {
		pipe.RPush(ctx, QueueKey, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %d payloads: %w", len(payloads), err)
	}
	return nil
}

// PopBatch atomically removes and returns up to n entries in FIFO order.
// An empty queue returns an empty slice, not an error.
func (q *Queue) PopBatch(ctx context.Context, n int) ([]string, error) {
	items, err := popScript.Run(ctx, q.rdb, []string{QueueKey}, n).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("queue: pop batch: %w", err)
	}
	return items, nil
}

// Depth reports the number of queued entries.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, QueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

// ClaimNonce records a signature nonce. False means the nonce was already
// seen inside the replay window and the request must be rejected.
func (q *Queue) ClaimNonce(ctx context.Context, nonce string) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, noncePrefix+nonce, "1", nonceTTL).Result()
	if err != nil {
		return false, fmt.Errorf("queue: claim nonce: %w", err)
	}
	return ok, nil
}

// ClaimBatch records a batch id. False means this batch was already
// processed and the gateway should acknowledge without re-enqueueing.
func (q *Queue) ClaimBatch(ctx context.Context, batchID string) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, idempotencyPrefix+batchID, "1", idempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("queue: claim batch: %w", err)
	}
	return ok, nil
}

// RecordProbeHeartbeat stores a probe's self-report under its node key.
// The TTL doubles as liveness: an expired key means the probe went quiet.
func (q *Queue) RecordProbeHeartbeat(ctx context.Context, status model.ProbeStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("queue: marshal heartbeat: %w", err)
	}
	key := probeHeartbeatPrefix + status.NodeID
	if err := q.rdb.Set(ctx, key, payload, heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("queue: record heartbeat: %w", err)
	}
	return nil
}

// ProbeHeartbeats scans the live probe keys. Corrupt payloads are logged
// and skipped so one bad probe cannot hide the rest.
func (q *Queue) ProbeHeartbeats(ctx context.Context) ([]model.ProbeStatus, error) {
	var probes []model.ProbeStatus
	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, probeHeartbeatPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: scan heartbeats: %w", err)
		}
		for _, key := range keys {
			raw, err := q.rdb.Get(ctx, key).Result()
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return nil, fmt.Errorf("queue: read heartbeat %s: %w", key, err)
			}
			var st model.ProbeStatus
			if err := json.Unmarshal([]byte(raw), &st); err != nil {
				q.log.Warn("corrupt probe heartbeat", "key", key, "error", err)
				continue
			}
			probes = append(probes, st)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return probes, nil
}

// UpdateETLStatus records the outcome of one processed batch.
func (q *Queue) UpdateETLStatus(ctx context.Context, batchSize int, errorRate float64) error {
	err := q.rdb.HSet(ctx, etlStatusKey,
		"last_processed_ts", time.Now().UTC().Format(time.RFC3339),
		"last_batch_size", batchSize,
		"error_rate", errorRate,
	).Err()
	if err != nil {
		return fmt.Errorf("queue: update etl status: %w", err)
	}
	return nil
}

// HeartbeatETL refreshes the worker liveness timestamp. It runs on its own
// cadence so a stalled batch loop still surfaces as heartbeat lag.
func (q *Queue) HeartbeatETL(ctx context.Context) error {
	err := q.rdb.HSet(ctx, etlStatusKey,
		"last_heartbeat_ts", time.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fmt.Errorf("queue: etl heartbeat: %w", err)
	}
	return nil
}

// ETLStatus derives the worker state from its status hash.
func (q *Queue) ETLStatus(ctx context.Context) (model.ETLStatus, error) {
	fields, err := q.rdb.HGetAll(ctx, etlStatusKey).Result()
	if err != nil {
		return model.ETLStatus{}, fmt.Errorf("queue: etl status: %w", err)
	}

	st := model.ETLStatus{State: "down"}
	if raw, ok := fields["last_heartbeat_ts"]; ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			lag := time.Since(ts)
			st.HeartbeatLagSec = lag.Seconds()
			switch {
			case lag <= healthyLag:
				st.State = "healthy"
			case lag <= degradedLag:
				st.State = "degraded"
			}
		}
	}
	if raw, ok := fields["last_batch_size"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			st.LastBatchSize = n
		}
	}
	if raw, ok := fields["error_rate"]; ok {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			st.ErrorRate = f
		}
	}
	return st, nil
}
