package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Probe holds the probe agent's configuration.
type Probe struct {
	NodeID  string
	Country string
	Region  string

	// Loop cadence.
	Interval          time.Duration // metric collection period
	HeartbeatInterval time.Duration
	BatchSize         int // metrics drained from the buffer per push

	// Durable buffer.
	BufferPath     string
	BufferMaxBytes int64

	// MemoryMaxBytes is the process heap watermark for the backpressure
	// monitor. Above 80% of it the probe sheds load the same way it does
	// when the buffer nears its quota.
	MemoryMaxBytes int64

	// Upstream federation. Targets without an explicit bearer token fall
	// back to presenting the federation secret, which the gateway maps to
	// the federation_probe operator identity.
	Targets          []Target
	FailoverEnabled  bool
	FederationSecret string
	RequestTimeout   time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// Target describes one upstream gateway.
type Target struct {
	Name    string     `yaml:"name"`
	URL     string     `yaml:"url"`
	Enabled *bool      `yaml:"enabled"` // nil means enabled
	Auth    TargetAuth `yaml:"auth"`
	Retry   RetrySpec  `yaml:"retry"`
}

// TargetAuth names where the bearer token for a target comes from.
type TargetAuth struct {
	Type     string `yaml:"type"` // "bearer"
	TokenEnv string `yaml:"token_env"`
}

// Token resolves the bearer token from the named environment variable.
func (a TargetAuth) Token() string {
	if a.Type == "bearer" && a.TokenEnv != "" {
		return os.Getenv(a.TokenEnv)
	}
	return ""
}

// RetrySpec bounds per-target retry behavior.
type RetrySpec struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// federationFile is the on-disk shape of the federation config.
type federationFile struct {
	Federation struct {
		NodeID   string   `yaml:"node_id"`
		Defaults Target   `yaml:"defaults"`
		Targets  []Target `yaml:"targets"`
	} `yaml:"federation"`
}

// LoadProbe reads probe configuration from the environment plus the
// federation targets file at CONFIG_PATH. When the file is absent the probe
// falls back to a single target built from API_URL.
func LoadProbe() (Probe, error) {
	cfg := Probe{
		NodeID:            envStr("NODE_ID", uuid.NewString()),
		Country:           envStr("COUNTRY", "GH"),
		Region:            envStr("REGION", "Accra"),
		Interval:          time.Duration(envInt("PROBE_INTERVAL", envInt("INTERVAL", 30))) * time.Second,
		HeartbeatInterval: time.Duration(envInt("HEARTBEAT_INTERVAL", 60)) * time.Second,
		BatchSize:         envInt("PROBE_BATCH_SIZE", 50),
		BufferPath:        envStr("BUFFER_PATH", "/data/buffer.db"),
		BufferMaxBytes:    int64(envInt("BUFFER_MAX_BYTES", 100*1024*1024)),
		MemoryMaxBytes:    int64(envInt("MEMORY_MAX_BYTES", 256*1024*1024)),
		FailoverEnabled:   envBool("FAILOVER_ENABLED", true),
		FederationSecret:  Secret("FEDERATION_SECRET", ""),
		RequestTimeout:    time.Duration(envInt("REQUEST_TIMEOUT", 10)) * time.Second,
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "fiber-probe"),
		LogLevel:          envStr("LOG_LEVEL", "info"),
	}

	path := envStr("CONFIG_PATH", "configs/federation.yaml")
	targets, nodeID, err := loadFederation(path)
	if err != nil {
		return Probe{}, err
	}
	if nodeID != "" {
		cfg.NodeID = nodeID
	}
	cfg.Targets = targets

	if err := cfg.Validate(); err != nil {
		return Probe{}, err
	}
	return cfg, nil
}

// loadFederation parses the YAML targets file. URLs and the node id may
// reference environment variables as ${VAR}. A missing file is not an error;
// the legacy API_URL env var supplies a single target instead.
func loadFederation(path string) (targets []Target, nodeID string, err error) {
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		if !os.IsNotExist(readErr) {
			return nil, "", fmt.Errorf("config: read federation file: %w", readErr)
		}
		if apiURL := os.Getenv("API_URL"); apiURL != "" {
			targets = append(targets, Target{
				Name: "legacy-env",
				URL:  apiURL,
				Auth: TargetAuth{Type: "bearer", TokenEnv: "FEDERATION_TOKEN"},
			})
		}
		return targets, "", nil
	}

	var file federationFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, "", fmt.Errorf("config: parse federation file: %w", err)
	}

	defaults := file.Federation.Defaults
	for _, t := range file.Federation.Targets {
		if t.Enabled != nil && !*t.Enabled {
			continue
		}
		merged := mergeTarget(defaults, t)
		merged.URL = expandEnv(merged.URL)
		if merged.URL == "" {
			continue
		}
		targets = append(targets, merged)
	}
	return targets, expandEnv(file.Federation.NodeID), nil
}

// mergeTarget overlays target fields onto the file-level defaults.
func mergeTarget(def, t Target) Target {
	out := t
	if out.Auth.Type == "" {
		out.Auth.Type = def.Auth.Type
	}
	if out.Auth.TokenEnv == "" {
		out.Auth.TokenEnv = def.Auth.TokenEnv
	}
	if out.Retry.MaxAttempts == 0 {
		out.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if out.Retry.BaseDelayMS == 0 {
		out.Retry.BaseDelayMS = def.Retry.BaseDelayMS
	}
	if out.Retry.MaxDelayMS == 0 {
		out.Retry.MaxDelayMS = def.Retry.MaxDelayMS
	}
	return out
}

// Validate checks that required settings are present.
func (c Probe) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: NODE_ID is required")
	}
	if c.FederationSecret == "" {
		return fmt.Errorf("config: FEDERATION_SECRET is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("config: PROBE_INTERVAL must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: PROBE_BATCH_SIZE must be positive")
	}
	if c.BufferMaxBytes <= 0 {
		return fmt.Errorf("config: BUFFER_MAX_BYTES must be positive")
	}
	return nil
}
