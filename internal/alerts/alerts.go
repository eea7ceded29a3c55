// Package alerts evaluates threshold rules against incoming metrics and
// dispatches the violations that survive three gates: a per-node/metric/
// severity dedup window, a per-node hourly quota, and a global token
// bucket. Alerts that pass the gates but fail dispatch land on a Redis
// dead-letter queue instead of being lost.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fiberstack/fiber/internal/config"
	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/telemetry"
)

const (
	dedupKeyPrefix  = "alert:dedup:"
	nodeQuotaPrefix = "alerts:quota:node:"
	globalBucketKey = "alerts:quota:global"
	dlqKey          = "alerts:dlq"

	nodeQuotaWindow = time.Hour
	// globalBurst is the global bucket capacity: how many alerts may fire
	// back to back before the hourly refill rate takes over.
	globalBurst = 10
	// globalBucketTTL reclaims the bucket state after an idle stretch long
	// enough that it would have refilled to capacity anyway.
	globalBucketTTL = 2 * 3600
)

var alertMeter = telemetry.Meter("fiber/alerts")

// globalBucketScript refills from elapsed time and takes one token.
// Same state layout as the ingest limiter's bucket, reduced to a bare
// allowed/denied answer.
//
// KEYS[1] bucket key
// ARGV    refill rate (tokens/sec), capacity, now (unix seconds)
var globalBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if not tokens then
  tokens = capacity
  last = now
end
if now < last then
  now = last
end

tokens = math.min(capacity, tokens + (now - last) * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', now)
redis.call('EXPIRE', KEYS[1], ` + strconv.Itoa(globalBucketTTL) + `)
return allowed
`)

// Op selects the comparison direction of a threshold rule.
type Op int

const (
	Above Op = iota // fires when the value exceeds the threshold
	Below           // fires when the value falls under the threshold
)

// ThresholdRule fires an alert when one metric field crosses a threshold.
// Rules are independent: a sample can trip the critical and the warning
// rule for the same field, producing two alerts with distinct dedup keys.
type ThresholdRule struct {
	Metric    string // metric field name recorded on the alert
	Op        Op
	Threshold float64
	Severity  model.Severity
	Format    string // message template: node id, then formatted value
}

// Evaluate checks the rule against a sample and builds the alert when it
// trips. The second return is false when the rule did not fire.
func (r ThresholdRule) Evaluate(m model.Metric) (model.Alert, bool) {
	value, ok := ruleValue(m, r.Metric)
	if !ok {
		return model.Alert{}, false
	}

	triggered := false
	switch r.Op {
	case Above:
		triggered = value > r.Threshold
	case Below:
		triggered = value < r.Threshold
	}
	if !triggered {
		return model.Alert{}, false
	}

	return model.Alert{
		AlertID:    uuid.NewString(),
		NodeID:     m.NodeID,
		Severity:   r.Severity,
		MetricName: r.Metric,
		Value:      value,
		Threshold:  r.Threshold,
		Timestamp:  time.Now().UTC(),
		Message:    fmt.Sprintf(r.Format, m.NodeID, formatValue(value)),
	}, true
}

func ruleValue(m model.Metric, name string) (float64, bool) {
	switch name {
	case "latency_ms":
		return m.LatencyMS, true
	case "packet_loss":
		return m.PacketLoss, true
	case "uptime_pct":
		return m.UptimePct, true
	}
	return 0, false
}

// formatValue renders a reading without trailing zeros: 600 not 600.000000.
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// defaultRules builds the rule set from configured thresholds, critical
// before warning so the critical alert is never starved by the quota its
// warning sibling consumed.
func defaultRules(cfg config.Worker) []ThresholdRule {
	return []ThresholdRule{
		{Metric: "latency_ms", Op: Above, Threshold: cfg.AlertLatencyCrit, Severity: model.SeverityCritical, Format: "CRITICAL LATENCY on %s: %sms"},
		{Metric: "latency_ms", Op: Above, Threshold: cfg.AlertLatencyWarn, Severity: model.SeverityWarning, Format: "High Latency on %s: %sms"},
		{Metric: "packet_loss", Op: Above, Threshold: cfg.AlertLossCrit, Severity: model.SeverityCritical, Format: "CRITICAL PACKET LOSS on %s: %s%%"},
		{Metric: "packet_loss", Op: Above, Threshold: cfg.AlertLossWarn, Severity: model.SeverityWarning, Format: "Packet Loss Detected on %s: %s%%"},
		{Metric: "uptime_pct", Op: Below, Threshold: cfg.AlertUptimeWarn, Severity: model.SeverityWarning, Format: "Low Uptime on %s: %s%%"},
	}
}

// Engine evaluates rules and shepherds the resulting alerts through dedup,
// rate limiting, and dispatch.
type Engine struct {
	rdb        redis.Cmdable
	dispatcher Dispatcher
	rules      []ThresholdRule

	cooldown   time.Duration
	nodeQuota  int64
	globalRate float64 // tokens per second

	log *slog.Logger
}

// New creates an alert engine. A nil dispatcher falls back to log-only
// dispatch.
func New(rdb redis.Cmdable, dispatcher Dispatcher, cfg config.Worker, log *slog.Logger) *Engine {
	if dispatcher == nil {
		dispatcher = NewLogDispatcher(log)
	}
	return &Engine{
		rdb:        rdb,
		dispatcher: dispatcher,
		rules:      defaultRules(cfg),
		cooldown:   cfg.AlertCooldown,
		nodeQuota:  int64(cfg.AlertNodeHourly),
		globalRate: float64(cfg.AlertGlobalHourly) / 3600.0,
		log:        log,
	}
}

// Process evaluates every rule against the sample and delivers each alert
// that fires. Gate state lives in Redis, so a Redis failure aborts the
// remaining alerts for this sample; dispatch failures do not (they fall
// back to the DLQ).
func (e *Engine) Process(ctx context.Context, m model.Metric) error {
	for _, rule := range e.rules {
		alert, ok := rule.Evaluate(m)
		if !ok {
			continue
		}
		count(ctx, "fiber.alerts.generated",
			attribute.String("severity", string(alert.Severity)),
			attribute.String("node_id", alert.NodeID))

		if err := e.deliver(ctx, alert); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deliver(ctx context.Context, alert model.Alert) error {
	dup, err := e.isDuplicate(ctx, alert)
	if err != nil {
		return err
	}
	if dup {
		count(ctx, "fiber.alerts.dropped", attribute.String("reason", "dedup"))
		return nil
	}

	allowed, err := e.withinRateLimits(ctx, alert)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}

	if err := e.dispatcher.Dispatch(ctx, alert); err != nil {
		e.log.Error("alerts: dispatch failed, routing to dead letter queue",
			"alert_id", alert.AlertID, "node_id", alert.NodeID, "error", err)
		e.sendToDLQ(ctx, alert)
		return nil
	}
	count(ctx, "fiber.alerts.sent", attribute.String("severity", string(alert.Severity)))
	return nil
}

// isDuplicate claims the alert's dedup slot. The claim and the check are
// one SETNX, so two workers racing on the same violation elect one winner.
func (e *Engine) isDuplicate(ctx context.Context, alert model.Alert) (bool, error) {
	key := dedupKeyPrefix + alert.NodeID + ":" + alert.MetricName + ":" + string(alert.Severity)
	set, err := e.rdb.SetNX(ctx, key, "1", e.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("alerts: dedup check: %w", err)
	}
	return !set, nil
}

// withinRateLimits enforces the per-node fixed window, then the global
// token bucket. The node counter increments even for alerts the global
// bucket later rejects; noisy nodes burn their own quota first.
func (e *Engine) withinRateLimits(ctx context.Context, alert model.Alert) (bool, error) {
	nodeKey := nodeQuotaPrefix + alert.NodeID
	n, err := e.rdb.Incr(ctx, nodeKey).Result()
	if err != nil {
		return false, fmt.Errorf("alerts: node quota: %w", err)
	}
	if n == 1 {
		if err := e.rdb.Expire(ctx, nodeKey, nodeQuotaWindow).Err(); err != nil {
			return false, fmt.Errorf("alerts: node quota expire: %w", err)
		}
	}
	if n > e.nodeQuota {
		count(ctx, "fiber.alerts.dropped", attribute.String("reason", "node_quota"))
		e.log.Warn("alerts: node quota exceeded",
			"node_id", alert.NodeID, "count", n, "limit", e.nodeQuota)
		return false, nil
	}

	allowed, err := globalBucketScript.Run(ctx, e.rdb, []string{globalBucketKey},
		e.globalRate, globalBurst, time.Now().Unix()).Int64()
	if err != nil {
		return false, fmt.Errorf("alerts: global bucket: %w", err)
	}
	if allowed != 1 {
		count(ctx, "fiber.alerts.dropped", attribute.String("reason", "global_limit"))
		e.log.Warn("alerts: global rate limit exceeded", "node_id", alert.NodeID)
		return false, nil
	}
	return true, nil
}

// sendToDLQ parks an undeliverable alert. Best effort: a failure here is
// logged and the alert is lost, which is still better than blocking the
// pipeline.
func (e *Engine) sendToDLQ(ctx context.Context, alert model.Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		e.log.Error("alerts: encode for dead letter queue", "alert_id", alert.AlertID, "error", err)
		return
	}
	if err := e.rdb.LPush(ctx, dlqKey, payload).Err(); err != nil {
		e.log.Error("alerts: push to dead letter queue", "alert_id", alert.AlertID, "error", err)
		return
	}
	count(ctx, "fiber.alerts.dlq")
}

func count(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if c, err := alertMeter.Int64Counter(name); err == nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
