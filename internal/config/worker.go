package config

import (
	"fmt"
	"time"
)

// Worker holds the ETL worker's configuration.
type Worker struct {
	DatabaseURL string
	RedisURL    string

	// Pipeline settings.
	BatchSize    int
	PollInterval time.Duration // sleep when the queue is empty
	DedupEnabled bool

	// Alert thresholds.
	AlertLatencyWarn float64
	AlertLatencyCrit float64
	AlertLossWarn    float64
	AlertLossCrit    float64
	AlertUptimeWarn  float64

	// Alert flow control.
	AlertCooldown     time.Duration // dedup window per node/metric/severity
	AlertNodeHourly   int           // per-node alerts per hour
	AlertGlobalHourly int           // global refill, alerts per hour
	AlertWebhookURL   string        // empty means log-only dispatch

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// LoadWorker reads ETL worker configuration from the environment.
func LoadWorker() (Worker, error) {
	cfg := Worker{
		DatabaseURL:       DatabaseURL(),
		RedisURL:          envStr("REDIS_URL", "redis://localhost:6379/0"),
		BatchSize:         envInt("BATCH_SIZE", 100),
		PollInterval:      envDuration("POLL_INTERVAL", 100*time.Millisecond),
		DedupEnabled:      envBool("DEDUP_ENABLED", true),
		AlertLatencyWarn:  envFloat("ALERT_LATENCY_WARN", 200.0),
		AlertLatencyCrit:  envFloat("ALERT_LATENCY_CRIT", 500.0),
		AlertLossWarn:     envFloat("ALERT_LOSS_WARN", 1.0),
		AlertLossCrit:     envFloat("ALERT_LOSS_CRIT", 5.0),
		AlertUptimeWarn:   envFloat("ALERT_UPTIME_WARN", 95.0),
		AlertCooldown:     time.Duration(envInt("ALERT_LOOP_COOLDOWN_SEC", 900)) * time.Second,
		AlertNodeHourly:   envInt("ALERT_NODE_RATE_LIMIT", 5),
		AlertGlobalHourly: envInt("ALERT_GLOBAL_RATE_LIMIT", 100),
		AlertWebhookURL:   envStr("ALERT_WEBHOOK_URL", ""),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "fiber-etl"),
		LogLevel:          envStr("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Worker{}, err
	}
	return cfg, nil
}

// Validate checks sane bounds.
func (c Worker) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: BATCH_SIZE must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: POLL_INTERVAL must be positive")
	}
	if c.AlertLatencyCrit < c.AlertLatencyWarn {
		return fmt.Errorf("config: ALERT_LATENCY_CRIT below ALERT_LATENCY_WARN")
	}
	if c.AlertLossCrit < c.AlertLossWarn {
		return fmt.Errorf("config: ALERT_LOSS_CRIT below ALERT_LOSS_WARN")
	}
	return nil
}
