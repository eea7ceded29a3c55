// Package config loads and validates process configuration from environment
// variables. Secrets may also be provisioned as files under /run/secrets
// (Docker/Kubernetes secret mounts), which take priority over the
// environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// secretsDir is where container runtimes mount secret files.
var secretsDir = "/run/secrets"

// Secret resolves a secret by key: first from a file named after the
// lowercased key under the secrets directory, then from the environment,
// then the default.
func Secret(key, defaultVal string) string {
	path := filepath.Join(secretsDir, strings.ToLower(key))
	if raw, err := os.ReadFile(path); err == nil {
		if v := strings.TrimSpace(string(raw)); v != "" {
			return v
		}
	}
	return envStr(key, defaultVal)
}

// DatabaseURL resolves the Postgres connection string. DATABASE_URL wins;
// otherwise the URL is composed from the DB_HOST/DB_USER/DB_PASS/DB_NAME
// pieces legacy deployments set.
func DatabaseURL() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	host := envStr("DB_HOST", "localhost")
	user := envStr("DB_USER", "postgres")
	pass := Secret("DB_PASS", "postgres")
	name := envStr("DB_NAME", "fiberstack")
	return fmt.Sprintf("postgres://%s:%s@%s:5432/%s",
		url.QueryEscape(user), url.QueryEscape(pass), host, name)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envList splits a comma-separated env value, trimming whitespace and
// dropping empty entries.
func envList(key, defaultVal string) []string {
	raw := envStr(key, defaultVal)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandEnv replaces ${VAR} references with the variable's value. Unset
// variables expand to the empty string.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}
