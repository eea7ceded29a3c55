// Package buffer provides the probe's crash-durable FIFO queue.
//
// Architecture:
//
//	collector → Push() → SQLite (WAL) → Peek() → transport push → Acknowledge()
//	                      ↑ durable               ↑ at-least-once
//
// Metrics are written to local disk before any network attempt, so a crash
// or upstream outage never loses captured measurements. Rows are only
// deleted after the upstream acknowledges the batch; redelivery is handled
// downstream by batch idempotency keys.
package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fiberstack/fiber/internal/model"
)

// DefaultMaxBytes caps the payload quota when the caller passes none.
const DefaultMaxBytes = 100 * 1024 * 1024

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	payload     TEXT NOT NULL,
	size_bytes  INTEGER NOT NULL,
	created_at  REAL NOT NULL
)`

// Item is one buffered metric with its queue id for acknowledgement.
type Item struct {
	ID     int64
	Metric model.Metric
}

// Buffer is a SQLite-backed FIFO queue with a byte-size quota. A single
// connection serializes writers; WAL mode keeps readers cheap.
type Buffer struct {
	db       *sql.DB
	path     string
	maxBytes int64
	log      *slog.Logger
}

// New opens (or creates) the buffer database at path.
func New(path string, maxBytes int64, log *slog.Logger) (*Buffer, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("buffer: create directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("buffer: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("buffer: create schema: %w", err)
	}

	log.Info("buffer ready", "path", path, "max_bytes", maxBytes)
	return &Buffer{db: db, path: path, maxBytes: maxBytes, log: log}, nil
}

// Push appends a metric to the queue. When the quota would be exceeded the
// oldest tenth of the queue (at least one row) is evicted first, trading the
// stalest data for the freshest.
func (b *Buffer) Push(ctx context.Context, m model.Metric) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("buffer: marshal metric: %w", err)
	}
	size := int64(len(payload))

	current, err := b.SizeBytes(ctx)
	if err != nil {
		return err
	}
	if current+size > b.maxBytes {
		b.log.Warn("buffer full, evicting oldest",
			"current_bytes", current, "max_bytes", b.maxBytes)
		if err := b.evictOldest(ctx); err != nil {
			return err
		}
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO queue (payload, size_bytes, created_at) VALUES (?, ?, ?)`,
		string(payload), size, float64(time.Now().UnixMilli())/1000.0,
	)
	if err != nil {
		return fmt.Errorf("buffer: insert: %w", err)
	}
	return nil
}

// Peek returns up to limit items in insertion order without removing them.
// Rows whose payload no longer parses are deleted during the scan and not
// returned.
func (b *Buffer) Peek(ctx context.Context, limit int) ([]Item, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, payload FROM queue ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("buffer: peek: %w", err)
	}
	defer rows.Close()

	var items []Item
	var corrupt []int64
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("buffer: scan row: %w", err)
		}
		var m model.Metric
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			b.log.Error("corrupt payload in buffer", "id", id)
			corrupt = append(corrupt, id)
			continue
		}
		items = append(items, Item{ID: id, Metric: m})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("buffer: peek rows: %w", err)
	}

	if len(corrupt) > 0 {
		if err := b.Acknowledge(ctx, corrupt); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// Acknowledge deletes the named rows after a successful upstream push.
func (b *Buffer) Acknowledge(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM queue WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("buffer: acknowledge: %w", err)
	}
	return nil
}

// Depth returns the number of buffered items.
func (b *Buffer) Depth(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("buffer: depth: %w", err)
	}
	return n, nil
}

// SizeBytes returns the total payload bytes currently buffered.
func (b *Buffer) SizeBytes(ctx context.Context) (int64, error) {
	var size sql.NullInt64
	if err := b.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM queue`).Scan(&size); err != nil {
		return 0, fmt.Errorf("buffer: size: %w", err)
	}
	return size.Int64, nil
}

// evictOldest deletes the oldest tenth of the queue, at least one row, so a
// single push can always make progress on a full buffer.
func (b *Buffer) evictOldest(ctx context.Context) error {
	n, err := b.Depth(ctx)
	if err != nil {
		return err
	}
	evict := n / 10
	if evict < 1 {
		evict = 1
	}
	_, err = b.db.ExecContext(ctx, `
		DELETE FROM queue WHERE id IN (
			SELECT id FROM queue ORDER BY id ASC LIMIT ?
		)`, evict)
	if err != nil {
		return fmt.Errorf("buffer: evict: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (b *Buffer) Close() error {
	return b.db.Close()
}
