package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashenforge/fleetd/internal/model"
)

// IterQueue returns up to limit queue items ordered by scheduling
// priority: bucket, then offset/priority, then id.
func (s *Store) IterQueue(ctx context.Context, limit int) ([]model.QueueItem, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, package, suite, command, context, branch_url, vcs_type,
		       subpath, estimated_duration_seconds, bucket, refresh, priority, requestor
		FROM queue
		ORDER BY bucket, priority, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: iter queue: %w", err)
	}
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetQueueItem fetches a single queue row by id.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (model.QueueItem, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, package, suite, command, context, branch_url, vcs_type,
		       subpath, estimated_duration_seconds, bucket, refresh, priority, requestor
		FROM queue WHERE id = $1`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("store: get queue item %d: %w", id, err)
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(r rowScanner) (model.QueueItem, error) {
	var (
		item             model.QueueItem
		estimatedSeconds *int64
		vcsType          string
	)
	err := r.Scan(&item.ID, &item.Package, &item.Suite, &item.Command, &item.Context,
		&item.BranchURL, &vcsType, &item.Subpath, &estimatedSeconds, &item.Bucket,
		&item.Refresh, &item.Offset, &item.Requestor)
	if err != nil {
		return model.QueueItem{}, err
	}
	item.VCSType = model.VCSType(vcsType)
	if estimatedSeconds != nil {
		item.EstimatedDuration = time.Duration(*estimatedSeconds) * time.Second
	}
	return item, nil
}

// AddToQueue inserts a new queue item and returns its id.
func (s *Store) AddToQueue(ctx context.Context, pkg, command, suite string, offset int, refresh bool, requestor string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO queue (package, command, suite, priority, refresh, requestor)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`, pkg, command, suite, offset, refresh, requestor).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: add to queue: %w", err)
	}
	return id, nil
}
