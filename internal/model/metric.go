// Package model defines the domain types shared by the gateway, the ETL
// worker, and the probe: metrics, batches, nodes, alerts, and the HTTP
// request/response envelopes.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Bounds for metric fields. Values outside these ranges are clamped by the
// ETL normalizer; the strict single-metric path rejects them instead.
const (
	MaxLatencyMS  = 10000.0
	MaxNodeIDLen  = 50
	SchemaVersion = 1
)

// Metric is one network-health sample reported by a probe.
//
// Timestamp stays a string through the queue: the ETL dedup key is derived
// from its minute prefix, and reserializing a parsed time would lose the
// exact wire form the probe signed.
type Metric struct {
	NodeID     string         `json:"node_id"`
	Country    string         `json:"country,omitempty"`
	Region     string         `json:"region,omitempty"`
	LatencyMS  float64        `json:"latency_ms"`
	UptimePct  float64        `json:"uptime_pct"`
	PacketLoss float64        `json:"packet_loss"`
	Timestamp  string         `json:"timestamp,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Meta       *IngestMeta    `json:"_meta,omitempty"`
}

// IngestMeta is stamped onto every metric by the gateway before it is
// enqueued. The ETL copies SourceRegion into conflict audit rows and
// TraceID into its logs.
type IngestMeta struct {
	SchemaVersion int    `json:"schema_version"`
	IngestedAt    string `json:"ingested_at"`
	IngestedBy    string `json:"ingested_by"`
	SourceRegion  string `json:"source_region"`
	TraceID       string `json:"trace_id"`
}

// Batch is a probe-originated group of metrics sharing a node_id.
type Batch struct {
	NodeID  string   `json:"node_id"`
	Metrics []Metric `json:"metrics"`
}

// ValidateNodeID checks the node_id length and character set.
func ValidateNodeID(id string) error {
	if id == "" {
		return fmt.Errorf("node_id is required")
	}
	if len(id) > MaxNodeIDLen {
		return fmt.Errorf("node_id must be at most %d characters", MaxNodeIDLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("node_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ParseTimestamp parses an RFC-3339 instant with an explicit offset.
// Naive timestamps (no zone designator) are rejected so that heartbeat-lag
// comparisons never mix zoned and unzoned instants.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp must be RFC-3339 with explicit offset: %w", err)
	}
	return t.UTC(), nil
}

// ValidateMetricStrict enforces field ranges for the single-metric push
// path, which rejects out-of-range values instead of clamping them.
func ValidateMetricStrict(m Metric) error {
	if err := ValidateNodeID(m.NodeID); err != nil {
		return err
	}
	if m.LatencyMS < 0 || m.LatencyMS > MaxLatencyMS {
		return fmt.Errorf("latency_ms must be in [0, %.0f]", MaxLatencyMS)
	}
	if m.UptimePct < 0 || m.UptimePct > 100 {
		return fmt.Errorf("uptime_pct must be in [0, 100]")
	}
	if m.PacketLoss < 0 || m.PacketLoss > 100 {
		return fmt.Errorf("packet_loss must be in [0, 100]")
	}
	if m.Country != "" && len(m.Country) != 2 {
		return fmt.Errorf("country must be ISO-3166-1 alpha-2")
	}
	if m.Timestamp != "" {
		if _, err := ParseTimestamp(m.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// DeriveRegion builds the canonical region tag from a metric's country and
// region fields: lower(country)-lower(region with spaces as hyphens).
// Returns "" when either part is missing.
func DeriveRegion(m Metric) string {
	if m.Country == "" || m.Region == "" {
		return ""
	}
	region := strings.ReplaceAll(strings.ToLower(m.Region), " ", "-")
	return strings.ToLower(m.Country) + "-" + region
}

// AggregatedMetric is one analytics output row: windowed latency statistics
// and the anomaly score computed by the streaming detector.
type AggregatedMetric struct {
	Time             time.Time      `json:"time"`
	NodeID           string         `json:"node_id"`
	LatencyAvgWindow float64        `json:"latency_avg_window"`
	LatencyStdWindow float64        `json:"latency_std_window"`
	PacketLossSpike  bool           `json:"packet_loss_spike"`
	AnomalyScore     float64        `json:"anomaly_score"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}
