package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta carries request metadata on every response. Source names the
// backing data source on aggregate reads ("cache", "metrics", an aggregate
// view name, or "metrics (fallback)") so dashboards can reason about
// freshness.
type ResponseMeta struct {
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// ErrorDetail describes an API error. BatchID is set on ingest-path errors
// so probes can correlate rejections with buffered batches.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	BatchID string `json:"batch_id,omitempty"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeInvalidRegion      = "INVALID_REGION"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// LoginRequest is the request body for POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenPairResponse is returned by login and refresh.
type TokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"` // access token lifetime, seconds
	Role         string `json:"role"`
}

// RefreshRequest is the request body for POST /api/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// MeResponse is the response for GET /api/auth/me.
type MeResponse struct {
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// IngestResponse acknowledges a batch. Status is "accepted" on first sight
// and "already_processed" on an idempotency replay.
type IngestResponse struct {
	BatchID      string `json:"batch_id"`
	SourceRegion string `json:"source_region"`
	Status       string `json:"status"`
	Accepted     int    `json:"accepted,omitempty"`
}

// CreateNodeRequest is the request body for POST /api/nodes.
type CreateNodeRequest struct {
	NodeID  string   `json:"node_id"`
	Name    string   `json:"node_name,omitempty"`
	Country string   `json:"country,omitempty"`
	Region  string   `json:"region,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

// MetricRow is one raw metric row returned by GET /api/metrics.
type MetricRow struct {
	Time       time.Time `json:"time"`
	NodeID     string    `json:"node_id"`
	Country    string    `json:"country,omitempty"`
	Region     string    `json:"region,omitempty"`
	LatencyMS  float64   `json:"latency_ms"`
	UptimePct  float64   `json:"uptime_pct"`
	PacketLoss float64   `json:"packet_loss"`
}

// MetricsPage is the paginated payload of GET /api/metrics.
type MetricsPage struct {
	Rows    []MetricRow `json:"rows"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

// AggregateBucket is one time bucket from the aggregate query layer.
type AggregateBucket struct {
	Bucket     time.Time `json:"bucket"`
	Dimension  string    `json:"dimension"` // node_id or region value
	LatencyAvg float64   `json:"latency_avg"`
	LatencyMax float64   `json:"latency_max"`
	UptimeAvg  float64   `json:"uptime_avg"`
	LossAvg    float64   `json:"loss_avg"`
	Samples    int64     `json:"samples"`
}

// ClusterSummary is the payload of GET /api/metrics/cluster.
type ClusterSummary struct {
	WindowStart  time.Time     `json:"window_start"`
	WindowEnd    time.Time     `json:"window_end"`
	NodeCount    int           `json:"node_count"`
	LatencyAvg   float64       `json:"latency_avg"`
	UptimeAvg    float64       `json:"uptime_avg"`
	LossAvg      float64       `json:"loss_avg"`
	ProblemNodes []ProblemNode `json:"problem_nodes"`
}

// ProblemNode is one entry in the cluster summary's top-N worst nodes.
type ProblemNode struct {
	NodeID     string  `json:"node_id"`
	LatencyAvg float64 `json:"latency_avg"`
	UptimeAvg  float64 `json:"uptime_avg"`
	LossAvg    float64 `json:"loss_avg"`
}

// FederationStatus aggregates the live probe heartbeats.
type FederationStatus struct {
	Probes []ProbeStatus `json:"probes"`
	Live   int           `json:"live"`
}

// ProbeStatus is one probe's last heartbeat as seen by the gateway.
type ProbeStatus struct {
	NodeID       string `json:"node_id"`
	ActiveTarget string `json:"active_target"`
	Timestamp    string `json:"timestamp"`
}

// StatusResponse is the unauthenticated liveness payload of GET /api/status.
type StatusResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	ETL       ETLStatus `json:"etl"`
	Timestamp time.Time `json:"timestamp"`
}

// ETLStatus is derived from the worker's status hash in the kv-store.
// State is "healthy" (heartbeat lag ≤ 30s), "degraded" (≤ 60s), "down"
// (> 60s or no heartbeat), or "unknown" when the kv-store is unreachable.
type ETLStatus struct {
	State           string  `json:"state"`
	HeartbeatLagSec float64 `json:"heartbeat_lag_sec,omitempty"`
	LastBatchSize   int     `json:"last_batch_size,omitempty"`
	ErrorRate       float64 `json:"error_rate,omitempty"`
}

// AuditVerifyResponse reports a hash-chain walk over the audit log.
type AuditVerifyResponse struct {
	Valid        bool `json:"valid"`
	BrokenAtLine int  `json:"broken_at_line,omitempty"`
	Entries      int  `json:"entries"`
}

// AuditStatsResponse summarizes the audit log file.
type AuditStatsResponse struct {
	TotalEntries  int    `json:"total_entries"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	Path          string `json:"path,omitempty"`
}

// CacheStatsResponse summarizes the dashboard cache namespace.
type CacheStatsResponse struct {
	Namespace string `json:"namespace"`
	KeyCount  int    `json:"key_count"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
}

// AggregateHealthResponse reports the aggregate query layer's view
// breakers and whether the fleet-wide rollback switch is set.
type AggregateHealthResponse struct {
	UseAggregates  bool              `json:"use_aggregates"`
	RollbackActive bool              `json:"rollback_active"`
	Breakers       map[string]string `json:"breakers"`
}
