// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mdhender/photoxfer/model"
)

// UpsertPhoto registers a photo or refreshes its hash and modification time.
// Import columns are left alone on update.
func (s *SQLiteStore) UpsertPhoto(ctx context.Context, p *model.Photo) error {
	filename := p.Filename
	if filename == "" {
		filename = filepath.Base(p.Filepath)
	}
	var lastModified sql.NullString
	if !p.FileLastModified.IsZero() {
		lastModified = sql.NullString{String: p.FileLastModified.UTC().Format(time.RFC3339), Valid: true}
	}
	const query = `
		INSERT INTO photos (filepath, filename, file_hash, file_last_modified, original_scan_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (filepath) DO UPDATE
		SET file_hash = excluded.file_hash,
		    file_last_modified = excluded.file_last_modified
	`
	_, err := s.db.ExecContext(ctx, query,
		p.Filepath,
		filename,
		nullString(p.FileHash),
		lastModified,
		now(),
	)
	if err != nil {
		return fmt.Errorf("upsert photo: %w", err)
	}
	return nil
}

// GetPhoto retrieves a photo by path.
func (s *SQLiteStore) GetPhoto(ctx context.Context, path string) (*model.Photo, error) {
	const query = `
		SELECT filepath, filename, file_hash, file_last_modified, import_batch_id, imported_at
		FROM photos
		WHERE filepath = ?
	`
	var p model.Photo
	err := s.read(ctx, func(q querier) error {
		var hash, lastModified, batchID, importedAt sql.NullString
		if err := q.QueryRowContext(ctx, query, path).Scan(
			&p.Filepath,
			&p.Filename,
			&hash,
			&lastModified,
			&batchID,
			&importedAt,
		); err != nil {
			return err
		}
		p.FileHash = hash.String
		if t := parseTimePtr(lastModified); t != nil {
			p.FileLastModified = *t
		}
		p.ImportBatchID = batchID.String
		p.ImportedAt = parseTimePtr(importedAt)
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get photo: %w", err)
	}
	return &p, nil
}

// MarkPhotoImported records the batch and import time on a photo and returns
// the number of rows updated. Zero means no photo has that path.
func (s *SQLiteStore) MarkPhotoImported(ctx context.Context, path, batchID string, at time.Time) (int64, error) {
	const query = `
		UPDATE photos
		SET import_batch_id = ?,
		    imported_at = ?
		WHERE filepath = ?
	`
	result, err := s.db.ExecContext(ctx, query, batchID, at.UTC().Format(time.RFC3339), path)
	if err != nil {
		return 0, fmt.Errorf("mark photo imported: %w", err)
	}
	return result.RowsAffected()
}

// ImportStatus returns the import time for each path. Paths with no photo
// row or that were never imported map to nil.
func (s *SQLiteStore) ImportStatus(ctx context.Context, paths []string) (map[string]*time.Time, error) {
	const query = `SELECT imported_at FROM photos WHERE filepath = ?`
	status := make(map[string]*time.Time, len(paths))
	err := s.read(ctx, func(q querier) error {
		for _, path := range paths {
			var importedAt sql.NullString
			err := q.QueryRowContext(ctx, query, path).Scan(&importedAt)
			if errors.Is(err, sql.ErrNoRows) {
				status[path] = nil
				continue
			} else if err != nil {
				return err
			}
			status[path] = parseTimePtr(importedAt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("import status: %w", err)
	}
	return status, nil
}
