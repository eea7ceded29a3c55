package etl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fiberstack/fiber/internal/model"
)

// Field defaults and clamps applied during normalization. Probes in the
// field ship firmware several versions behind the gateway, so the worker
// accepts sloppy payloads (string numbers, missing fields) and repairs
// them rather than rejecting whole batches.
const (
	defaultCountry = "XX"
	defaultRegion  = "Unknown"
)

// numericSuffixes marks metadata keys whose values must be numeric.
var numericSuffixes = []string{"_percent", "_pct", "_ms", "_count", "_bytes"}

// rawMetric is the tolerant decode target: every scalar field is `any` so
// coercion can repair string-typed numbers before validation.
type rawMetric struct {
	NodeID     any               `json:"node_id"`
	Country    any               `json:"country"`
	Region     any               `json:"region"`
	LatencyMS  any               `json:"latency_ms"`
	UptimePct  any               `json:"uptime_pct"`
	PacketLoss any               `json:"packet_loss"`
	Timestamp  any               `json:"timestamp"`
	Metadata   map[string]any    `json:"metadata"`
	Meta       *model.IngestMeta `json:"_meta"`
}

// Normalize repairs one queue payload into a storable Metric: types are
// coerced, out-of-range values clamped, and missing fields defaulted. The
// only unrecoverable defects are malformed JSON and a missing or invalid
// node_id; those rows count as failures.
func Normalize(payload []byte) (model.Metric, error) {
	var raw rawMetric
	if err := json.Unmarshal(payload, &raw); err != nil {
		return model.Metric{}, fmt.Errorf("etl: parse payload: %w", err)
	}

	nodeID := toString(raw.NodeID)
	if err := model.ValidateNodeID(nodeID); err != nil {
		return model.Metric{}, fmt.Errorf("etl: %w", err)
	}

	m := model.Metric{
		NodeID:     nodeID,
		Country:    normalizeCountry(toString(raw.Country)),
		Region:     stringOr(toString(raw.Region), defaultRegion),
		LatencyMS:  clamp(toFloat(raw.LatencyMS, 0), 0, model.MaxLatencyMS),
		UptimePct:  clamp(toFloat(raw.UptimePct, 100), 0, 100),
		PacketLoss: clamp(toFloat(raw.PacketLoss, 0), 0, 100),
		Timestamp:  normalizeTimestamp(toString(raw.Timestamp)),
		Metadata:   normalizeMetadata(raw.Metadata),
		Meta:       raw.Meta,
	}
	return m, nil
}

// normalizeTimestamp keeps a parseable RFC-3339 instant untouched so the
// dedup minute prefix matches what the probe signed; anything else becomes
// the current time.
func normalizeTimestamp(s string) string {
	if s != "" {
		if _, err := model.ParseTimestamp(s); err == nil {
			return s
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// normalizeCountry returns the first two characters uppercased, defaulting
// to XX for probes that never learned where they are.
func normalizeCountry(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultCountry
	}
	runes := []rune(s)
	if len(runes) > 2 {
		runes = runes[:2]
	}
	return strings.ToUpper(string(runes))
}

// normalizeMetadata coerces values under numeric-suffixed keys to float64
// and passes everything else through unchanged.
func normalizeMetadata(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if hasNumericSuffix(k) {
			out[k] = toFloat(v, 0)
		} else {
			out[k] = v
		}
	}
	return out
}

func hasNumericSuffix(key string) bool {
	for _, s := range numericSuffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}

// toFloat coerces any JSON value to float64: numbers pass through, bools
// map to 1/0, numeric strings parse, everything else takes the default.
func toFloat(v any, def float64) float64 {
	switch x := v.(type) {
	case nil:
		return def
	case bool:
		if x {
			return 1
		}
		return 0
	case float64:
		return x
	case int:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return def
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
		return def
	default:
		return def
	}
}

// toString renders strings and numbers; other types collapse to "".
func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

func stringOr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// minutePrefix truncates an RFC-3339 timestamp string to minute precision
// ("2026-01-02T15:04"), the granularity of the dedup window.
func minutePrefix(ts string) string {
	if len(ts) > 16 {
		return ts[:16]
	}
	return ts
}
