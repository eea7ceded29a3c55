package fiber

import "log/slog"

// Option configures a process facade. Options not applicable to a given
// process are ignored by it: WithPort only affects the gateway,
// WithCollector only the probe.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger      *slog.Logger
	version     string
	port        int
	databaseURL string
	redisURL    string
	collector   Collector
}

func resolveOptions(opts []Option) resolvedOptions {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o resolvedOptions) loggerOrDefault() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.Default()
}

func (o resolvedOptions) versionOrDev() string {
	if o.version != "" {
		return o.version
	}
	return "dev"
}

// WithLogger sets the structured logger for the process.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the status endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithPort overrides the gateway TCP port from config (API_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides the kv-store connection string from config
// (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithCollector replaces the probe's built-in synthetic collector.
// Only the last call wins.
func WithCollector(c Collector) Option {
	return func(o *resolvedOptions) { o.collector = c }
}
