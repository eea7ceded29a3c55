package config

import (
	"fmt"
	"strings"
	"time"
)

// Gateway holds the ingest gateway's configuration.
type Gateway struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Backing stores.
	DatabaseURL string
	RedisURL    string

	// Auth settings. JWTSecret signs token pairs; FederationSecret
	// authenticates probes and verifies batch signatures.
	JWTSecret        string
	FederationSecret string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration

	// UserCredentials is the raw "user:pass,user:pass" roster. Role
	// assignment comes from the Admin/Operator user lists; everyone else
	// in the roster is a viewer.
	UserCredentials string
	AdminUsers      []string
	OperatorUsers   []string

	// Rate limiting.
	IngestRate     float64 // tokens per second per identity
	IngestBurst    int
	LocalRate      float64 // per-process fallback bucket rate
	GlobalMax      int     // in-flight cap across all identities
	TrustedProxies []string

	// Region validation. A central node in strict mode rejects batches
	// whose resolved region is not in AllowedRegions; edge nodes and
	// permissive mode accept everything. Empty AllowedRegions allows all.
	AllowedRegions []string
	NodeRole       string // "central" or "edge"
	ValidationMode string // "strict" or "permissive"

	// Aggregate query layer.
	UseAggregates bool

	// Audit log.
	AuditLogPath string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// LoadGateway reads gateway configuration from the environment.
func LoadGateway() (Gateway, error) {
	cfg := Gateway{
		Port:                envInt("API_PORT", 8000),
		ReadTimeout:         envDuration("API_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("API_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         DatabaseURL(),
		RedisURL:            envStr("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:           Secret("JWT_SECRET", ""),
		FederationSecret:    Secret("FEDERATION_SECRET", ""),
		AccessTokenTTL:      time.Duration(envInt("JWT_ACCESS_EXPIRY_MINUTES", 15)) * time.Minute,
		RefreshTokenTTL:     time.Duration(envInt("JWT_REFRESH_EXPIRY_DAYS", 7)) * 24 * time.Hour,
		UserCredentials:     Secret("USER_CREDENTIALS", ""),
		AdminUsers:          envList("ADMIN_USERS", "admin"),
		OperatorUsers:       envList("OPERATOR_USERS", "operator"),
		IngestRate:          envFloat("RATE_LIMIT_INGEST_RATE", 1.0),
		IngestBurst:         envInt("RATE_LIMIT_INGEST_BURST", 10),
		LocalRate:           envFloat("RATE_LIMIT_LOCAL_RATE", 5.0),
		GlobalMax:           envInt("RATE_LIMIT_GLOBAL_MAX", 200),
		TrustedProxies:      envList("RATE_LIMIT_TRUSTED_PROXIES", "127.0.0.1"),
		AllowedRegions:      envList("ALLOWED_REGIONS", ""),
		NodeRole:            envStr("NODE_ROLE", "central"),
		ValidationMode:      envStr("VALIDATION_MODE", "strict"),
		UseAggregates:       envBool("USE_AGGREGATES", true),
		AuditLogPath:        envStr("AUDIT_LOG_PATH", "audit.log"),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "fiber-gateway"),
		LogLevel:            envStr("LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Gateway{}, err
	}
	return cfg, nil
}

// Validate checks that required secrets and sane bounds are present.
func (c Gateway) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if c.FederationSecret == "" {
		return fmt.Errorf("config: FEDERATION_SECRET is required")
	}
	if strings.TrimSpace(c.UserCredentials) == "" {
		return fmt.Errorf("config: USER_CREDENTIALS is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: API_PORT out of range: %d", c.Port)
	}
	if c.IngestRate <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_INGEST_RATE must be positive")
	}
	if c.IngestBurst <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_INGEST_BURST must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}
