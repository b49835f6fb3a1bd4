// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mdhender/photoxfer/model"
)

// InsertError appends an ErrorRecord and returns its id.
func (s *SQLiteStore) InsertError(ctx context.Context, rec *model.ErrorRecord) (int64, error) {
	var lastRetry sql.NullString
	if rec.LastRetry != nil {
		lastRetry = sql.NullString{String: rec.LastRetry.UTC().Format(time.RFC3339), Valid: true}
	}
	const query = `
		INSERT INTO pipeline_errors (filepath, batch_id, error_type, error_message, retry_count, last_retry)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		rec.Filepath,
		rec.BatchID,
		rec.ErrorType,
		nullString(rec.ErrorMessage),
		rec.RetryCount,
		lastRetry,
	)
	if err != nil {
		return 0, fmt.Errorf("insert pipeline_errors: %w", err)
	}
	return result.LastInsertId()
}

// ErrorsForBatch returns every ErrorRecord logged for a batch, oldest first.
func (s *SQLiteStore) ErrorsForBatch(ctx context.Context, batchID string) ([]model.ErrorRecord, error) {
	const query = `
		SELECT id, filepath, batch_id, error_type, error_message, retry_count, last_retry
		FROM pipeline_errors
		WHERE batch_id = ?
		ORDER BY id
	`
	var records []model.ErrorRecord
	err := s.read(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, batchID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var rec model.ErrorRecord
			var msg, lastRetry sql.NullString
			if err := rows.Scan(
				&rec.ID,
				&rec.Filepath,
				&rec.BatchID,
				&rec.ErrorType,
				&msg,
				&rec.RetryCount,
				&lastRetry,
			); err != nil {
				return err
			}
			rec.ErrorMessage = msg.String
			rec.LastRetry = parseTimePtr(lastRetry)
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("errors for batch: %w", err)
	}
	return records, nil
}
