// Package testutil provides shared test infrastructure: a TimescaleDB
// container bootstrapped with the pipeline schema, and an embedded Redis.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartTimescaleDB()
//	    defer tc.Terminate()
//	    testStore, _ = tc.NewTestStore(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fiberstack/fiber/internal/storage"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartTimescaleDB starts a TimescaleDB container with the timescaledb
// extension pre-created. Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartTimescaleDB() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "timescale/timescaledb:latest-pg18",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "fiber",
			"POSTGRES_PASSWORD": "fiber",
			"POSTGRES_DB":       "fiberstack",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://fiber:fiber@%s:%s/fiberstack?sslmode=disable", host, port.Port())

	bootstrapConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to bootstrap connection: %v\n", err)
		os.Exit(1)
	}
	if _, err := bootstrapConn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to create timescaledb extension: %v\n", err)
		os.Exit(1)
	}
	_ = bootstrapConn.Close(ctx)

	return &TestContainer{Container: container, DSN: dsn}
}

// NewTestStore creates a storage.Store connected to this container and
// bootstraps the pipeline schema. In production the store is provisioned
// externally; this fixture mirrors that schema for tests.
func (tc *TestContainer) NewTestStore(ctx context.Context, logger *slog.Logger) (*storage.Store, error) {
	store, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create store: %w", err)
	}
	if err := BootstrapSchema(ctx, store); err != nil {
		return nil, fmt.Errorf("testutil: bootstrap schema: %w", err)
	}
	return store, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// NewMiniRedis starts an embedded Redis and returns it with a connected
// client. Both are cleaned up with the test.
func NewMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// schemaStatements is the test fixture mirroring the externally provisioned
// store: the metrics hypertable, node registry, conflict audit, analytics
// output, and the continuous aggregates the query layer selects between.
// Continuous aggregates cannot be created inside a transaction, so each
// statement runs on its own.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS metrics (
		time        TIMESTAMPTZ NOT NULL,
		node_id     TEXT NOT NULL,
		country     TEXT,
		region      TEXT,
		latency_ms  DOUBLE PRECISION NOT NULL,
		uptime_pct  DOUBLE PRECISION NOT NULL,
		packet_loss DOUBLE PRECISION NOT NULL,
		metadata    JSONB,
		UNIQUE (time, node_id)
	)`,
	`SELECT create_hypertable('metrics', 'time', if_not_exists => TRUE)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id       TEXT PRIMARY KEY,
		node_name     TEXT,
		country       TEXT,
		region        TEXT,
		lat           DOUBLE PRECISION,
		lng           DOUBLE PRECISION,
		status        TEXT NOT NULL DEFAULT 'registered',
		first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at  TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS metric_conflicts (
		time          TIMESTAMPTZ NOT NULL,
		node_id       TEXT NOT NULL,
		payload       JSONB NOT NULL,
		ingest_region TEXT,
		recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS metrics_aggregated (
		time               TIMESTAMPTZ NOT NULL,
		node_id            TEXT NOT NULL,
		latency_avg_window DOUBLE PRECISION,
		latency_std_window DOUBLE PRECISION,
		packet_loss_spike  BOOLEAN,
		anomaly_score      DOUBLE PRECISION,
		metadata           JSONB
	)`,
	`CREATE MATERIALIZED VIEW IF NOT EXISTS aggregates_1m
		WITH (timescaledb.continuous) AS
		SELECT time_bucket('1 minute', time) AS bucket,
			node_id,
			region,
			AVG(latency_ms)  AS latency_avg,
			MAX(latency_ms)  AS latency_max,
			AVG(uptime_pct)  AS uptime_avg,
			AVG(packet_loss) AS loss_avg,
			COUNT(*)         AS sample_count
		FROM metrics GROUP BY bucket, node_id, region
		WITH NO DATA`,
	`CREATE MATERIALIZED VIEW IF NOT EXISTS aggregates_5m_node
		WITH (timescaledb.continuous) AS
		SELECT time_bucket('5 minutes', time) AS bucket,
			node_id,
			AVG(latency_ms)  AS latency_avg,
			MAX(latency_ms)  AS latency_max,
			AVG(uptime_pct)  AS uptime_avg,
			AVG(packet_loss) AS loss_avg,
			COUNT(*)         AS sample_count
		FROM metrics GROUP BY bucket, node_id
		WITH NO DATA`,
	`CREATE MATERIALIZED VIEW IF NOT EXISTS aggregates_5m_region
		WITH (timescaledb.continuous) AS
		SELECT time_bucket('5 minutes', time) AS bucket,
			region,
			AVG(latency_ms)  AS latency_avg,
			MAX(latency_ms)  AS latency_max,
			AVG(uptime_pct)  AS uptime_avg,
			AVG(packet_loss) AS loss_avg,
			COUNT(*)         AS sample_count
		FROM metrics GROUP BY bucket, region
		WITH NO DATA`,
	`CREATE MATERIALIZED VIEW IF NOT EXISTS aggregates_hourly
		WITH (timescaledb.continuous) AS
		SELECT time_bucket('1 hour', time) AS bucket,
			node_id,
			region,
			AVG(latency_ms)  AS latency_avg,
			MAX(latency_ms)  AS latency_max,
			AVG(uptime_pct)  AS uptime_avg,
			AVG(packet_loss) AS loss_avg,
			COUNT(*)         AS sample_count
		FROM metrics GROUP BY bucket, node_id, region
		WITH NO DATA`,
	`CREATE MATERIALIZED VIEW IF NOT EXISTS aggregates_daily
		WITH (timescaledb.continuous) AS
		SELECT time_bucket('1 day', time) AS bucket,
			node_id,
			region,
			AVG(latency_ms)  AS latency_avg,
			MAX(latency_ms)  AS latency_max,
			AVG(uptime_pct)  AS uptime_avg,
			AVG(packet_loss) AS loss_avg,
			COUNT(*)         AS sample_count
		FROM metrics GROUP BY bucket, node_id, region
		WITH NO DATA`,
}

// BootstrapSchema applies the fixture schema to the store.
func BootstrapSchema(ctx context.Context, store *storage.Store) error {
	for _, stmt := range schemaStatements {
		if _, err := store.Pool().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("testutil: apply schema statement: %w", err)
		}
	}
	return nil
}
