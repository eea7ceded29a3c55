package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fiberstack/fiber/internal/model"
)

// UpsertNodes marks the given nodes as reporting and bumps last_seen_at,
// registering any the gateway has never seen. The ETL calls this for every
// node that survives its cache check, so the statement takes the whole set
// in one round trip. Two workers upserting overlapping sets can deadlock
// when their row lock orders interleave; the IDs are sorted for a stable
// order and the statement retries on the codes Postgres raises anyway.
func (s *Store) UpsertNodes(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	sorted := make([]string, len(nodeIDs))
	copy(sorted, nodeIDs)
	sort.Strings(sorted)

	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.db().Exec(ctx, `
			INSERT INTO nodes (node_id, status, last_seen_at)
			SELECT unnest($1::text[]), 'reporting', NOW()
			ON CONFLICT (node_id) DO UPDATE SET last_seen_at = NOW(), status = 'reporting'`,
			sorted)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: upsert nodes: %w", err)
	}
	return nil
}

// CreateNode registers a node ahead of its first report. Returns
// ErrDuplicate when the node_id is already taken.
func (s *Store) CreateNode(ctx context.Context, req model.CreateNodeRequest) (model.Node, error) {
	_, err := s.db().Exec(ctx, `
		INSERT INTO nodes (node_id, node_name, country, region, lat, lng, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'registered')`,
		req.NodeID, textOrNil(req.Name), textOrNil(req.Country), textOrNil(req.Region), req.Lat, req.Lng)
	if isUniqueViolation(err) {
		return model.Node{}, ErrDuplicate
	}
	if err != nil {
		return model.Node{}, fmt.Errorf("storage: create node: %w", err)
	}
	return model.Node{
		NodeID:  req.NodeID,
		Name:    req.Name,
		Status:  model.NodeRegistered,
		Country: req.Country,
		Region:  req.Region,
		Lat:     req.Lat,
		Lng:     req.Lng,
	}, nil
}

// GetNode fetches a node by id, including soft-deleted ones.
func (s *Store) GetNode(ctx context.Context, nodeID string) (model.Node, error) {
	row := s.db().QueryRow(ctx, `
		SELECT node_id, COALESCE(node_name, ''), COALESCE(country, ''), COALESCE(region, ''), lat, lng, status, last_seen_at
		FROM nodes WHERE node_id = $1`, nodeID)

	var n model.Node
	err := row.Scan(&n.NodeID, &n.Name, &n.Country, &n.Region, &n.Lat, &n.Lng, &n.Status, &n.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Node{}, ErrNotFound
	}
	if err != nil {
		return model.Node{}, fmt.Errorf("storage: get node: %w", err)
	}
	return n, nil
}

// ListNodes returns all non-deleted nodes ordered by id.
func (s *Store) ListNodes(ctx context.Context) ([]model.Node, error) {
	rows, err := s.db().Query(ctx, `
		SELECT node_id, COALESCE(node_name, ''), COALESCE(country, ''), COALESCE(region, ''), lat, lng, status, last_seen_at
		FROM nodes WHERE status <> 'deleted' ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.NodeID, &n.Name, &n.Country, &n.Region, &n.Lat, &n.Lng, &n.Status, &n.LastSeen); err != nil {
			return nil, fmt.Errorf("storage: scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// DeleteNode soft-deletes a node, leaving its metric rows in place. Returns
// ErrNotFound when the node does not exist or is already deleted.
func (s *Store) DeleteNode(ctx context.Context, nodeID string) error {
	tag, err := s.db().Exec(ctx,
		`UPDATE nodes SET status = 'deleted' WHERE node_id = $1 AND status <> 'deleted'`, nodeID)
	if err != nil {
		return fmt.Errorf("storage: delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
