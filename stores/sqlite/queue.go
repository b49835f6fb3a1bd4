// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mdhender/photoxfer/model"
)

// InsertQueueItem adds a pending item to a batch and returns its id.
func (s *SQLiteStore) InsertQueueItem(ctx context.Context, batchID, filepath string) (int64, error) {
	const query = `
		INSERT INTO pipeline_queue (filepath, batch_id, status, queued_at)
		VALUES (?, ?, 'pending', ?)
	`
	result, err := s.db.ExecContext(ctx, query, filepath, batchID, now())
	if err != nil {
		return 0, fmt.Errorf("insert pipeline_queue: %w", err)
	}
	return result.LastInsertId()
}

// PendingItems returns up to limit pending items of a batch joined with the
// hash recorded for each photo. A limit of zero or less means no limit.
func (s *SQLiteStore) PendingItems(ctx context.Context, batchID string, limit int) ([]model.PendingItem, error) {
	if limit <= 0 {
		limit = -1
	}
	const query = `
		SELECT pq.id, pq.filepath, p.file_hash
		FROM pipeline_queue pq
		LEFT JOIN photos p ON p.filepath = pq.filepath
		WHERE pq.batch_id = ?
		  AND pq.status = 'pending'
		ORDER BY pq.id
		LIMIT ?
	`
	var items []model.PendingItem
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, batchID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var item model.PendingItem
			var hash sql.NullString
			if err := rows.Scan(&item.QueueItemID, &item.Filepath, &hash); err != nil {
				return err
			}
			item.FileHash = hash.String
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("pending items: %w", err)
	}
	return items, nil
}

// GetQueueItem retrieves a queue item by id.
func (s *SQLiteStore) GetQueueItem(ctx context.Context, id int64) (*model.QueueItem, error) {
	const query = `
		SELECT id, filepath, batch_id, status, queued_at
		FROM pipeline_queue
		WHERE id = ?
	`
	return s.getQueueItem(ctx, query, id)
}

// FindQueueItem retrieves the item for filepath in a batch.
func (s *SQLiteStore) FindQueueItem(ctx context.Context, batchID, filepath string) (*model.QueueItem, error) {
	const query = `
		SELECT id, filepath, batch_id, status, queued_at
		FROM pipeline_queue
		WHERE batch_id = ? AND filepath = ?
		ORDER BY id
		LIMIT 1
	`
	return s.getQueueItem(ctx, query, batchID, filepath)
}

func (s *SQLiteStore) getQueueItem(ctx context.Context, query string, args ...any) (*model.QueueItem, error) {
	var item model.QueueItem
	err := s.read(ctx, func(q querier) error {
		var status, queuedAt string
		if err := q.QueryRowContext(ctx, query, args...).Scan(
			&item.ID,
			&item.Filepath,
			&item.BatchID,
			&status,
			&queuedAt,
		); err != nil {
			return err
		}
		item.Status = model.QueueStatus(status)
		item.QueuedAt = parseTime(queuedAt)
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return &item, nil
}

// SetQueueItemStatus advances a pending item to complete or error.
// Items that have already left pending are not changed; the returned bool
// reports whether a row was updated.
func (s *SQLiteStore) SetQueueItemStatus(ctx context.Context, id int64, status model.QueueStatus) (bool, error) {
	if status == model.QueueStatusPending {
		return false, fmt.Errorf("set queue item %d: cannot return to pending", id)
	}
	const query = `
		UPDATE pipeline_queue
		SET status = ?
		WHERE id = ? AND status = 'pending'
	`
	result, err := s.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return false, fmt.Errorf("set queue item status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set queue item status: %w", err)
	}
	return n > 0, nil
}
