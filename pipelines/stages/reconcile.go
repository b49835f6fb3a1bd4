// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/model"
	"github.com/mdhender/photoxfer/pipelines/events"
	sqlite "github.com/mdhender/photoxfer/stores/sqlite"
	"github.com/mdhender/photoxfer/stores/writer"
)

// reconcileItemTimeout bounds the wait for each entry's database update.
const reconcileItemTimeout = 30 * time.Second

// Reconciler applies an import manifest to the store and decides the
// batch's terminal status.
type Reconciler struct {
	pc     *PipelineContext
	logger hclog.Logger
}

func NewReconciler(pc *PipelineContext) *Reconciler {
	pc.withDefaults()
	return &Reconciler{pc: pc, logger: pc.Logger.Named("reconciler")}
}

// reconcileEntry is everything the writer needs to apply one manifest entry.
type reconcileEntry struct {
	original   string
	normalized string
	itemID     int64        // 0 when no queue item exists yet
	register   *model.Photo // non-nil when no photo row exists yet
	future     *writer.Future
	submitErr  error
}

// Apply marks every photo named in the manifest as imported and finishes
// the batch as Complete, Partial or Failed.
func (r *Reconciler) Apply(ctx context.Context, batchID string, m *model.ImportManifest) (model.BatchStatus, error) {
	pc := r.pc
	total := len(m.Files)
	importedAt := pc.Clock.Now()
	pc.status(events.LevelInfo, "Updating database for %d imported files...", total)

	var entries []*reconcileEntry
	for _, f := range m.Files {
		if f.OriginalPath == "" {
			r.logger.Warn("manifest entry without original path", "batch", batchID, "remote", f.RemotePath)
			pc.status(events.LevelWarning, "Manifest entry %s has no original path", f.RemotePath)
			continue
		}
		e := r.prepare(ctx, batchID, f.OriginalPath)
		e.future, e.submitErr = pc.Writer.Submit(ctx, "reconcile", func(ctx context.Context) (any, error) {
			return nil, r.applyEntry(ctx, batchID, e, importedAt)
		})
		if e.submitErr != nil {
			r.logger.Warn("queue reconcile entry", "batch", batchID, "path", e.original, "error", e.submitErr)
		}
		entries = append(entries, e)
	}

	succeeded := 0
	for _, e := range entries {
		err := e.submitErr
		if err == nil {
			wctx, cancel := context.WithTimeout(ctx, reconcileItemTimeout)
			_, err = e.future.Wait(wctx)
			cancel()
		}
		if err == nil {
			succeeded++
			continue
		}
		rerr := &ReconciliationError{Path: e.original, Err: err}
		r.logger.Warn("reconcile entry", "batch", batchID, "error", rerr)
		pc.status(events.LevelWarning, "Failed to update %s: %v", filepath.Base(e.original), err)
		pc.recordFailure(ctx, batchID, e.itemID, e.original, model.ErrorTypeReconcileFailed, err.Error())
	}

	status, msg := outcome(succeeded, total)
	r.logger.Info("reconciled", "batch", batchID, "status", status, "imported", succeeded, "total", total)
	if err := pc.Writer.Exec(ctx, "finish batch", func(ctx context.Context) error {
		return pc.Store.FinishBatch(ctx, batchID, status, msg)
	}); err != nil {
		return status, &ErrDatabase{Op: "finish batch", Err: err}
	}
	return status, nil
}

// outcome maps the number of successful entries to a terminal status.
func outcome(succeeded, total int) (model.BatchStatus, string) {
	switch {
	case total > 0 && succeeded == total:
		return model.BatchStatusComplete, ""
	case succeeded > 0:
		return model.BatchStatusPartial, fmt.Sprintf("%d/%d files imported successfully", succeeded, total)
	}
	return model.BatchStatusFailed, "No files were successfully imported"
}

// prepare does the reads for one entry outside the writer.
func (r *Reconciler) prepare(ctx context.Context, batchID, original string) *reconcileEntry {
	pc := r.pc
	e := &reconcileEntry{original: original, normalized: normalizePath(original)}

	for _, p := range []string{e.normalized, e.original} {
		if item, err := pc.Store.FindQueueItem(ctx, batchID, p); err == nil {
			e.itemID = item.ID
			break
		}
	}

	_, errNorm := pc.Store.GetPhoto(ctx, e.normalized)
	_, errOrig := pc.Store.GetPhoto(ctx, e.original)
	if errors.Is(errNorm, sqlite.ErrNotFound) && errors.Is(errOrig, sqlite.ErrNotFound) {
		photo := &model.Photo{Filepath: e.normalized}
		if sb, err := pc.Fs.Stat(e.original); err == nil {
			photo.FileLastModified = sb.ModTime()
			if sum, err := hashFile(pc.Fs, e.original); err == nil {
				photo.FileHash = sum
			}
		}
		r.logger.Debug("registering photo", "path", e.normalized)
		e.register = photo
	}
	return e
}

// applyEntry runs on the writer goroutine.
func (r *Reconciler) applyEntry(ctx context.Context, batchID string, e *reconcileEntry, at time.Time) error {
	st := r.pc.Store
	if e.register != nil {
		if err := st.UpsertPhoto(ctx, e.register); err != nil {
			return err
		}
	}
	itemID := e.itemID
	if itemID == 0 {
		id, err := st.InsertQueueItem(ctx, batchID, e.normalized)
		if err != nil {
			return err
		}
		itemID = id
	}

	n, err := st.MarkPhotoImported(ctx, e.normalized, batchID, at)
	if err != nil {
		return err
	}
	if n == 0 && e.original != e.normalized {
		if n, err = st.MarkPhotoImported(ctx, e.original, batchID, at); err != nil {
			return err
		}
	}
	if n == 0 {
		return errors.New("no photo matched the path")
	}
	_, err = st.SetQueueItemStatus(ctx, itemID, model.QueueStatusComplete)
	return err
}

// normalizePath returns the absolute, cleaned path with symlinks resolved
// when the file exists.
func normalizePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
