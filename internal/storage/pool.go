// Package storage provides the TimescaleDB storage layer for the pipeline.
//
// It manages connection pooling (via pgxpool), COPY-based bulk ingestion for
// metrics with a per-row conflict fallback, the node registry, and the
// continuous-aggregate views the dashboard query layer selects between.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgxpool.Pool over TimescaleDB. The pool can be swapped at
// runtime via Rebuild, so methods never hold a pool reference across calls.
type Store struct {
	mu     sync.RWMutex
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	pool, err := newPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, logger: logger}, nil
}

func newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	return pool, nil
}

// db returns the current pool under the read lock; Rebuild may swap it.
func (s *Store) db() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// Pool returns the underlying connection pool for use by other packages.
func (s *Store) Pool() *pgxpool.Pool {
	return s.db()
}

// Rebuild replaces the connection pool with a fresh one parsed from dsn,
// picking up rotated credentials. In-flight queries keep the old pool alive:
// it closes in the background once its acquired connections are released.
func (s *Store) Rebuild(ctx context.Context, dsn string) error {
	pool, err := newPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("storage: rebuild: %w", err)
	}

	s.mu.Lock()
	old := s.pool
	s.pool = pool
	s.mu.Unlock()

	go old.Close()
	s.logger.Info("storage: connection pool rebuilt")
	return nil
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db().Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db().Close()
}
