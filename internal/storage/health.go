package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// AggregateLag reports how far behind real time a continuous aggregate is,
// measured from its newest bucket. empty is true when the view exists but
// has not materialized anything yet, which callers treat as healthy rather
// than infinitely stale. Returns ErrNotFound when the view is missing from
// the TimescaleDB catalog.
func (s *Store) AggregateLag(ctx context.Context, view string) (lag time.Duration, empty bool, err error) {
	if _, ok := aggregateViews[view]; !ok {
		return 0, false, fmt.Errorf("storage: unknown aggregate view %q", view)
	}

	var name string
	err = s.db().QueryRow(ctx, `
		SELECT view_name FROM timescaledb_information.continuous_aggregates
		WHERE view_name = $1`, view).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: aggregate catalog lookup: %w", err)
	}

	var latest *time.Time
	if err := s.db().QueryRow(ctx, fmt.Sprintf(`SELECT MAX(bucket) FROM %s`, view)).Scan(&latest); err != nil {
		return 0, false, fmt.Errorf("storage: aggregate max bucket: %w", err)
	}
	if latest == nil {
		return 0, true, nil
	}
	return time.Since(*latest), false, nil
}
