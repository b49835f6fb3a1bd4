// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/model"
	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/spf13/afero"
)

const (
	// StagedManifestName lists the files in a staging directory.
	StagedManifestName = "staged_manifest.json"

	// maxCollisions is the highest numeric suffix tried for a clashing name.
	maxCollisions = 999
)

// StagingDir is a local directory holding copies of a batch's files.
type StagingDir struct {
	Path    string
	BatchID string
	Files   []model.StagedFile
}

// Stager copies a batch's source files into a fresh local staging directory.
type Stager struct {
	pc     *PipelineContext
	logger hclog.Logger
}

func NewStager(pc *PipelineContext) *Stager {
	pc.withDefaults()
	return &Stager{pc: pc, logger: pc.Logger.Named("stager")}
}

// FetchItems returns up to batchSizeLimit pending items for batchID.
// Items whose source is missing are recorded as file_not_found and dropped.
// Items with no known hash have their photo row registered with one first,
// under the normalized path.
func (s *Stager) FetchItems(ctx context.Context, batchID string) ([]model.PendingItem, error) {
	pc := s.pc
	items, err := pc.Store.PendingItems(ctx, batchID, pc.Config.Transfer.BatchSizeLimit)
	if err != nil {
		return nil, &ErrDatabase{Op: "fetch pending items", Err: err}
	}

	var kept []model.PendingItem
	for _, item := range items {
		if err := pc.Cancel.Check("fetch"); err != nil {
			return nil, err
		}
		sb, err := pc.Fs.Stat(item.Filepath)
		if err != nil || sb.IsDir() {
			s.logger.Warn("source file missing", "batch", batchID, "path", item.Filepath)
			pc.status(events.LevelWarning, "File not found: %s", item.Filepath)
			pc.recordFailure(ctx, batchID, item.QueueItemID, item.Filepath, model.ErrorTypeFileNotFound, "source file not found")
			continue
		}
		if item.FileHash == "" {
			sum, err := hashFile(pc.Fs, item.Filepath)
			if err != nil {
				pc.recordFailure(ctx, batchID, item.QueueItemID, item.Filepath, model.ErrorTypeFileNotFound, err.Error())
				continue
			}
			// keyed like the reconciler keys imports
			photo := &model.Photo{Filepath: normalizePath(item.Filepath), FileHash: sum, FileLastModified: sb.ModTime()}
			if err := pc.Writer.Exec(ctx, "register photo", func(ctx context.Context) error {
				return pc.Store.UpsertPhoto(ctx, photo)
			}); err != nil {
				s.logger.Warn("register photo", "path", photo.Filepath, "error", err)
			}
			item.FileHash = sum
		}
		kept = append(kept, item)
	}
	return kept, nil
}

// Stage creates a unique directory under the staging root and copies each
// item into it. Per-file failures are recorded and skipped; the batch
// continues as long as at least one file is staged.
func (s *Stager) Stage(ctx context.Context, batchID string, items []model.PendingItem) (*StagingDir, error) {
	pc := s.pc
	root := pc.Config.Paths.StagingDir
	if err := pc.Fs.MkdirAll(root, 0o755); err != nil {
		return nil, &ErrWriteFile{Op: "mkdir", Path: root, Err: err}
	}
	prefix := "batch_" + pc.Clock.Now().Format("20060102_150405") + "_"
	dir, err := afero.TempDir(pc.Fs, root, prefix)
	if err != nil {
		return nil, &ErrWriteFile{Op: "mkdir", Path: root, Err: err}
	}
	pc.Resources.AddStagingDir(batchID, dir)
	s.logger.Info("staging", "batch", batchID, "dir", dir, "files", len(items))
	pc.status(events.LevelInfo, "Staging %d files...", len(items))

	sd := &StagingDir{Path: dir, BatchID: batchID}
	used := make(map[string]bool)
	for i, item := range items {
		if err := pc.Cancel.Check("staging"); err != nil {
			return sd, err
		}
		staged, err := s.stageOne(dir, item, used)
		if err != nil {
			s.logger.Warn("stage file", "batch", batchID, "path", item.Filepath, "error", err)
			pc.status(events.LevelWarning, "Failed to stage %s: %v", filepath.Base(item.Filepath), err)
			pc.recordFailure(ctx, batchID, item.QueueItemID, item.Filepath, model.ErrorTypeStagingFailed, err.Error())
		} else {
			sd.Files = append(sd.Files, model.StagedFile{
				SourcePath:  item.Filepath,
				StagedPath:  staged,
				QueueItemID: item.QueueItemID,
			})
		}
		pc.Sink.Emit(events.StagingProgress(filepath.Base(item.Filepath), i+1, len(items)))
	}

	if len(sd.Files) == 0 {
		pc.removeStagingDir(batchID, dir)
		return nil, &StagingError{BatchID: batchID, Msg: "no files could be staged"}
	}
	if err := writeJSON(pc.Fs, filepath.Join(dir, StagedManifestName), sd.Files); err != nil {
		return sd, err
	}
	pc.status(events.LevelSuccess, "Staged %d of %d files", len(sd.Files), len(items))
	return sd, nil
}

func (s *Stager) stageOne(dir string, item model.PendingItem, used map[string]bool) (string, error) {
	name, ok := uniqueName(used, filepath.Base(item.Filepath))
	if !ok {
		return "", fmt.Errorf("too many files named %q", filepath.Base(item.Filepath))
	}
	dst := filepath.Join(dir, name)
	size, err := copyFile(s.pc.Fs, item.Filepath, dst)
	if err != nil {
		return "", err
	}
	if err := verifyCopy(s.pc.Fs, dst, item.FileHash, size); err != nil {
		_ = s.pc.Fs.Remove(dst)
		return "", err
	}
	used[strings.ToLower(name)] = true
	return dst, nil
}

// removeStagingDir removes a staging directory. A directory that is
// already gone is not an error.
func (pc *PipelineContext) removeStagingDir(batchID, dir string) {
	if dir == "" {
		return
	}
	if err := pc.Fs.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		pc.Logger.Warn("remove staging dir", "dir", dir, "error", err)
		pc.status(events.LevelWarning, "Failed to remove staging directory: %v", err)
	}
	pc.Resources.RemoveStagingDir(batchID, dir)
}

// LoadStagingDir re-reads the staged manifest written by Stage.
func LoadStagingDir(fs afero.Fs, dir, batchID string) (*StagingDir, error) {
	path := filepath.Join(dir, StagedManifestName)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, &ErrWriteFile{Op: "read", Path: path, Err: err}
	}
	sd := &StagingDir{Path: dir, BatchID: batchID}
	if err := json.Unmarshal(data, &sd.Files); err != nil {
		return nil, &ErrWriteFile{Op: "read", Path: path, Err: err}
	}
	return sd, nil
}

// uniqueName returns base, or stem_NNN.ext for the first NNN not in used.
// Names are compared case-insensitively.
func uniqueName(used map[string]bool, base string) (string, bool) {
	if !used[strings.ToLower(base)] {
		return base, true
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; n <= maxCollisions; n++ {
		name := fmt.Sprintf("%s_%03d%s", stem, n, ext)
		if !used[strings.ToLower(name)] {
			return name, true
		}
	}
	return "", false
}

// verifyCopy re-reads the staged file at dst. It must hash to wantHash
// when one is known, otherwise it must be wantSize bytes long.
func verifyCopy(fs afero.Fs, dst, wantHash string, wantSize int64) error {
	if wantHash != "" {
		sum, err := hashFile(fs, dst)
		if err != nil {
			return err
		}
		if !strings.EqualFold(sum, wantHash) {
			return fmt.Errorf("hash mismatch: expected %s, staged %s", wantHash, sum)
		}
		return nil
	}
	sb, err := fs.Stat(dst)
	if err != nil {
		return &ErrWriteFile{Op: "stat", Path: dst, Err: err}
	}
	if sb.Size() != wantSize {
		return fmt.Errorf("size mismatch: expected %d bytes, staged %d", wantSize, sb.Size())
	}
	return nil
}

// copyFile copies src to dst through a temporary file that is synced and
// renamed into place. It returns the size of the source.
func copyFile(fs afero.Fs, src, dst string) (int64, error) {
	in, err := fs.Open(src)
	if err != nil {
		return 0, &ErrWriteFile{Op: "read", Path: src, Err: err}
	}
	defer in.Close()
	sb, err := in.Stat()
	if err != nil {
		return 0, &ErrWriteFile{Op: "read", Path: src, Err: err}
	}

	tmp := dst + ".tmp"
	out, err := fs.Create(tmp)
	if err != nil {
		return 0, &ErrWriteFile{Op: "copy", Path: dst, Err: err}
	}
	_, err = io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = fs.Remove(tmp)
		return 0, &ErrWriteFile{Op: "copy", Path: dst, Err: err}
	}
	if err := fs.Rename(tmp, dst); err != nil {
		_ = fs.Remove(tmp)
		return 0, &ErrWriteFile{Op: "copy", Path: dst, Err: err}
	}
	_ = fs.Chtimes(dst, sb.ModTime(), sb.ModTime())
	return sb.Size(), nil
}

func hashFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", &ErrWriteFile{Op: "hash", Path: path, Err: err}
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &ErrWriteFile{Op: "hash", Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeJSON(fs afero.Fs, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &ErrWriteFile{Op: "write", Path: path, Err: err}
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return &ErrWriteFile{Op: "write", Path: path, Err: err}
	}
	return nil
}

// recordFailure appends an ErrorRecord and moves the queue item to Error.
// Failures to record are logged; they never stop the batch.
func (pc *PipelineContext) recordFailure(ctx context.Context, batchID string, itemID int64, path, errType, msg string) {
	err := pc.Writer.Exec(ctx, "record "+errType, func(ctx context.Context) error {
		if _, err := pc.Store.InsertError(ctx, &model.ErrorRecord{
			Filepath:     path,
			BatchID:      batchID,
			ErrorType:    errType,
			ErrorMessage: msg,
		}); err != nil {
			return err
		}
		if itemID == 0 {
			return nil
		}
		_, err := pc.Store.SetQueueItemStatus(ctx, itemID, model.QueueStatusError)
		return err
	})
	if err != nil {
		pc.Logger.Warn("record failure", "batch", batchID, "path", path, "type", errType, "error", err)
	}
}
