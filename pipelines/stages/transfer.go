// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/model"
	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/mdhender/photoxfer/pipelines/remote"
	"github.com/spf13/afero"
)

const (
	// TransferManifestName is written into the remote batch directory.
	TransferManifestName = "transfer_manifest.json"
	// ReadyMarkerName tells the import automation the batch is complete.
	ReadyMarkerName = ".ready"

	// progressStep is the smallest percentage change that is reported.
	progressStep = 5
)

// TransferResult describes what reached the remote batch directory.
type TransferResult struct {
	RemoteDir string
	Entries   []model.ManifestEntry
	Skipped   int // already present with the same size
	Failed    int
	BytesSent int64
}

// Transferrer uploads a staging directory to the remote incoming directory
// and triggers the import automation.
type Transferrer struct {
	pc     *PipelineContext
	logger hclog.Logger
}

func NewTransferrer(pc *PipelineContext) *Transferrer {
	pc.withDefaults()
	return &Transferrer{pc: pc, logger: pc.Logger.Named("transfer")}
}

// Transfer uploads every file listed in the staging directory's manifest.
// Per-file failures are recorded and skipped; zero transferred files is a
// TransferError.
func (t *Transferrer) Transfer(ctx context.Context, dir, batchID string) (*TransferResult, error) {
	pc := t.pc
	sd, err := LoadStagingDir(pc.Fs, dir, batchID)
	if err != nil {
		return nil, err
	}

	sess, done, err := pc.openSession(ctx, batchID)
	if err != nil {
		return nil, err
	}
	defer done()

	home, err := sess.Home(ctx)
	if err != nil {
		return nil, &TransferError{Msg: "resolve remote home", Err: err}
	}
	incoming := remote.ResolvePath(home, pc.Config.Paths.RemoteIncomingDir)
	rfs := sess.Fs()
	if err := remote.EnsureDir(rfs, incoming); err != nil {
		return nil, &TransferError{Path: incoming, Msg: "create incoming directory", Err: err}
	}
	batchDir := path.Join(incoming, batchID)
	if err := remote.EnsureDir(rfs, batchDir); err != nil {
		return nil, &TransferError{Path: batchDir, Msg: "create batch directory", Err: err}
	}

	res := &TransferResult{RemoteDir: batchDir}
	total := len(sd.Files)
	pc.status(events.LevelInfo, "Transferring %d files to %s...", total, batchDir)
	for i, f := range sd.Files {
		if err := pc.Cancel.Check("transfer"); err != nil {
			return res, err
		}
		remotePath := path.Join(batchDir, filepath.Base(f.StagedPath))
		sent, skipped, err := t.sendWithRetry(ctx, rfs, f.StagedPath, remotePath, i+1, total)
		if err != nil {
			if IsCancellation(err) {
				return res, err
			}
			res.Failed++
			t.logger.Warn("transfer file", "batch", batchID, "path", f.StagedPath, "error", err)
			pc.status(events.LevelWarning, "Failed to transfer %s: %v", filepath.Base(f.StagedPath), err)
			pc.recordFailure(ctx, batchID, f.QueueItemID, f.SourcePath, model.ErrorTypeTransferFailed, err.Error())
			continue
		}
		if skipped {
			res.Skipped++
		}
		res.BytesSent += sent
		res.Entries = append(res.Entries, model.ManifestEntry{
			QueueItemID:  f.QueueItemID,
			RemotePath:   remotePath,
			OriginalPath: f.SourcePath,
		})
	}
	if len(res.Entries) == 0 {
		return res, &TransferError{Msg: "no files were transferred"}
	}

	timestamp := pc.Clock.Now().UTC().Format(time.RFC3339)
	manifest := model.TransferManifest{BatchID: batchID, Timestamp: timestamp, Files: res.Entries}
	if err := writeJSON(rfs, path.Join(batchDir, TransferManifestName), manifest); err != nil {
		return res, &TransferError{Path: batchDir, Msg: "write transfer manifest", Err: err}
	}
	if err := afero.WriteFile(rfs, path.Join(batchDir, ReadyMarkerName), []byte(timestamp+"\n"), 0o644); err != nil {
		return res, &TransferError{Path: batchDir, Msg: "write ready marker", Err: err}
	}
	t.trigger(ctx, sess, incoming, batchDir, batchID)

	t.logger.Info("transferred", "batch", batchID, "files", len(res.Entries), "skipped", res.Skipped, "failed", res.Failed, "bytes", res.BytesSent)
	pc.status(events.LevelSuccess, "Transferred %d files (%s)", len(res.Entries), humanize.Bytes(uint64(res.BytesSent)))
	return res, nil
}

// trigger pokes the import automation's directory watcher. Each command is
// best-effort.
func (t *Transferrer) trigger(ctx context.Context, sess remote.Session, incoming, batchDir, batchID string) {
	temp := path.Join(incoming, ".trigger_temp")
	commands := []string{
		"touch " + remote.Quote(incoming),
		"touch " + remote.Quote(path.Join(batchDir, ".trigger_"+batchID)),
		`echo "trigger" > ` + remote.Quote(temp) + " && rm " + remote.Quote(temp),
	}
	for _, cmd := range commands {
		if _, code, err := sess.Run(ctx, cmd); err != nil || code != 0 {
			t.logger.Warn("trigger command failed", "cmd", cmd, "exit", code, "error", err)
		}
	}
}

func (t *Transferrer) sendWithRetry(ctx context.Context, rfs afero.Fs, local, remotePath string, current, total int) (int64, bool, error) {
	retries := t.pc.Config.Transfer.RetryCount
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			t.logger.Debug("retrying upload", "path", local, "attempt", attempt, "error", err)
			if err := t.pc.Sleep(ctx, t.pc.Config.Transfer.RetryDelay(), "transfer"); err != nil {
				return 0, false, err
			}
		}
		var sent int64
		var skipped bool
		sent, skipped, err = t.sendOne(rfs, local, remotePath, current, total)
		if err == nil {
			return sent, skipped, nil
		}
		if cerr := t.pc.Cancel.Check("transfer"); cerr != nil {
			return 0, false, cerr
		}
	}
	return 0, false, err
}

// sendOne uploads local to remotePath. A remote file of the same size is
// taken as already transferred; any other remote file is replaced.
func (t *Transferrer) sendOne(rfs afero.Fs, local, remotePath string, current, total int) (int64, bool, error) {
	pc := t.pc
	name := filepath.Base(local)
	in, err := pc.Fs.Open(local)
	if err != nil {
		return 0, false, &TransferError{Path: local, Msg: "open", Err: err}
	}
	defer in.Close()
	sb, err := in.Stat()
	if err != nil {
		return 0, false, &TransferError{Path: local, Msg: "stat", Err: err}
	}
	size := sb.Size()

	if rsb, err := rfs.Stat(remotePath); err == nil {
		if rsb.Size() == size {
			t.logger.Debug("already on remote", "path", remotePath)
			pc.status(events.LevelDebug, "Skipping %s (already transferred)", name)
			return 0, true, nil
		}
		if err := rfs.Remove(remotePath); err != nil {
			return 0, false, &TransferError{Path: remotePath, Msg: "remove partial upload", Err: err}
		}
	}

	out, err := rfs.Create(remotePath)
	if err != nil {
		return 0, false, &TransferError{Path: remotePath, Msg: "create", Err: err}
	}
	pw := &progressWriter{sink: pc.Sink, file: name, size: size, current: current, total: total}
	n, err := io.Copy(out, io.TeeReader(in, pw))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, false, &TransferError{Path: remotePath, Msg: "upload", Err: err}
	}
	if rsb, err := rfs.Stat(remotePath); err != nil || rsb.Size() != size {
		return n, false, &TransferError{Path: remotePath, Msg: fmt.Sprintf("size mismatch after upload (want %d bytes)", size)}
	}
	pw.finish()
	return n, false, nil
}

// progressWriter emits transfer_progress in steps of at least progressStep
// percent, and always at 100.
type progressWriter struct {
	sink    events.Sink
	file    string
	size    int64
	sent    int64
	last    int
	current int
	total   int
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.sent += int64(len(p))
	pct := 100
	if w.size > 0 {
		pct = int(w.sent * 100 / w.size)
	}
	if pct >= 100 {
		w.finish()
	} else if pct >= w.last+progressStep {
		w.last = pct
		w.sink.Emit(events.TransferProgress(w.file, w.sent, w.size, w.current, w.total))
	}
	return len(p), nil
}

func (w *progressWriter) finish() {
	if w.last == 100 {
		return
	}
	w.last = 100
	w.sink.Emit(events.TransferProgress(w.file, w.size, w.size, w.current, w.total))
}
