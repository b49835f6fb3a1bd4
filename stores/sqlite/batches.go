// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mdhender/photoxfer/model"
)

// ErrInvalidTransition is returned when a batch status update would move a
// batch out of a terminal status or back to queued.
var ErrInvalidTransition = errors.New("invalid batch status transition")

// CreateBatch inserts a queued batch and one pending queue item per file path
// in a single transaction.
func (s *SQLiteStore) CreateBatch(ctx context.Context, batchID string, filepaths []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	queuedAt := now()
	const insertBatch = `
		INSERT INTO pipeline_status (batch_id, status, photo_count)
		VALUES (?, 'queued', ?)
	`
	if _, err := tx.ExecContext(ctx, insertBatch, batchID, len(filepaths)); err != nil {
		return fmt.Errorf("insert pipeline_status: %w", err)
	}

	const insertItem = `
		INSERT INTO pipeline_queue (filepath, batch_id, status, queued_at)
		VALUES (?, ?, 'pending', ?)
	`
	for _, path := range filepaths {
		if _, err := tx.ExecContext(ctx, insertItem, path, batchID, queuedAt); err != nil {
			return fmt.Errorf("insert pipeline_queue: %w", err)
		}
	}

	return tx.Commit()
}

// GetBatch retrieves a batch by id. Returns ErrNotFound if there is no such batch.
func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	const query = `
		SELECT batch_id, status, photo_count, started_at, completed_at, error_message
		FROM pipeline_status
		WHERE batch_id = ?
	`
	var batch *model.Batch
	err := s.read(ctx, func(q querier) error {
		var err error
		batch, err = scanBatch(q.QueryRowContext(ctx, query, batchID))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

func scanBatch(row *sql.Row) (*model.Batch, error) {
	var batch model.Batch
	var status string
	var startedAt, completedAt, errorMessage sql.NullString
	if err := row.Scan(
		&batch.ID,
		&status,
		&batch.PhotoCount,
		&startedAt,
		&completedAt,
		&errorMessage,
	); err != nil {
		return nil, err
	}
	batch.Status = model.BatchStatus(status)
	batch.StartedAt = parseTimePtr(startedAt)
	batch.CompletedAt = parseTimePtr(completedAt)
	batch.ErrorMessage = errorMessage.String
	return &batch, nil
}

// MarkBatchProcessing moves a queued batch to processing and stamps started_at.
// Marking a batch that is already processing is allowed so that an
// interrupted run can be resumed; the first start time is kept.
func (s *SQLiteStore) MarkBatchProcessing(ctx context.Context, batchID string) error {
	const query = `
		UPDATE pipeline_status
		SET status = 'processing',
		    started_at = COALESCE(started_at, ?)
		WHERE batch_id = ?
		  AND status IN ('queued', 'processing')
	`
	result, err := s.db.ExecContext(ctx, query, now(), batchID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("mark processing %s: %w", batchID, ErrInvalidTransition)
	}
	return nil
}

// FinishBatch records a terminal status. The update only applies to batches
// that are not already terminal.
func (s *SQLiteStore) FinishBatch(ctx context.Context, batchID string, status model.BatchStatus, errorMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish batch %s: %q: %w", batchID, status, ErrInvalidTransition)
	}
	const query = `
		UPDATE pipeline_status
		SET status = ?,
		    completed_at = ?,
		    error_message = ?
		WHERE batch_id = ?
		  AND status IN ('queued', 'processing')
	`
	result, err := s.db.ExecContext(ctx, query,
		string(status),
		now(),
		nullString(errorMsg),
		batchID,
	)
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("finish batch %s: %w", batchID, ErrInvalidTransition)
	}
	return nil
}

// SetPhotoCount updates the number of photos a batch is expected to carry.
func (s *SQLiteStore) SetPhotoCount(ctx context.Context, batchID string, count int) error {
	const query = `UPDATE pipeline_status SET photo_count = ? WHERE batch_id = ?`
	if _, err := s.db.ExecContext(ctx, query, count, batchID); err != nil {
		return fmt.Errorf("set photo_count: %w", err)
	}
	return nil
}

// PendingBatches returns the ids of batches that still need a run: queued
// batches, batches that started processing within the last hour, and batches
// with pending queue items. Oldest first.
func (s *SQLiteStore) PendingBatches(ctx context.Context) ([]string, error) {
	const query = `
		SELECT ps.batch_id
		FROM pipeline_status ps
		WHERE ps.status = 'queued'
		   OR (ps.status = 'processing' AND ps.started_at > ?)
		   OR (ps.status = 'processing' AND EXISTS (
				SELECT 1 FROM pipeline_queue pq
				WHERE pq.batch_id = ps.batch_id AND pq.status = 'pending'
		   ))
		ORDER BY ps.id
	`
	cutoff := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	var ids []string
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("pending batches: %w", err)
	}
	return ids, nil
}

// BatchSummary returns a batch with per-status item counts and each item's
// most recent error.
func (s *SQLiteStore) BatchSummary(ctx context.Context, batchID string) (*model.BatchSummary, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT pq.id, pq.filepath, pq.batch_id, pq.status, pq.queued_at,
		       pe.error_type, pe.error_message, COALESCE(pe.retry_count, 0)
		FROM pipeline_queue pq
		LEFT JOIN pipeline_errors pe ON pe.id = (
			SELECT MAX(id) FROM pipeline_errors
			WHERE batch_id = pq.batch_id AND filepath = pq.filepath
		)
		WHERE pq.batch_id = ?
		ORDER BY pq.id
	`
	summary := &model.BatchSummary{Batch: *batch}
	err = s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, batchID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var item model.BatchItemDetail
			var status, queuedAt string
			var errType, errMsg sql.NullString
			if err := rows.Scan(
				&item.ID,
				&item.Filepath,
				&item.BatchID,
				&status,
				&queuedAt,
				&errType,
				&errMsg,
				&item.RetryCount,
			); err != nil {
				return err
			}
			item.Status = model.QueueStatus(status)
			item.QueuedAt = parseTime(queuedAt)
			item.ErrorType = errType.String
			item.ErrorMessage = errMsg.String
			summary.Items = append(summary.Items, item)

			summary.Total++
			switch item.Status {
			case model.QueueStatusComplete:
				summary.Complete++
			case model.QueueStatusError:
				summary.Error++
			default:
				summary.Pending++
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("batch summary: %w", err)
	}
	return summary, nil
}
