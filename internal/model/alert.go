package model

import "time"

// Severity classifies an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold violation emitted by the alert engine. AlertID is
// unique per emission; dedup happens on (node, metric, severity) keys, not
// on AlertID.
type Alert struct {
	AlertID    string    `json:"alert_id"`
	NodeID     string    `json:"node_id"`
	Severity   Severity  `json:"severity"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
}
