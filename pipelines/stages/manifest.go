// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/model"
	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/mdhender/photoxfer/pipelines/remote"
	"github.com/spf13/afero"
)

const (
	// parseAttempts bounds reads of a manifest that may still be being written.
	parseAttempts = 3
	parseDelay    = time.Second

	// stillWaitingEvery is how often a "still waiting" status is emitted.
	stillWaitingEvery = 30 * time.Second
)

// ManifestName is the report the import automation writes for batchID.
func ManifestName(batchID string) string {
	return "manifest_" + batchID + ".json"
}

// pollInterval backs off as the wait gets longer.
func pollInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 5*time.Second:
		return time.Second
	case elapsed < 15*time.Second:
		return 2 * time.Second
	}
	return 5 * time.Second
}

// ManifestWaiter polls the remote reports directory for a batch's import
// manifest.
type ManifestWaiter struct {
	pc     *PipelineContext
	logger hclog.Logger
}

func NewManifestWaiter(pc *PipelineContext) *ManifestWaiter {
	pc.withDefaults()
	return &ManifestWaiter{pc: pc, logger: pc.Logger.Named("waiter")}
}

// Wait returns the import manifest once it exists, names batchID and lists
// at least one file. It returns ImportTimeoutError when the timeout derived
// from photoCount expires and CancellationError when the run is cancelled.
func (w *ManifestWaiter) Wait(ctx context.Context, batchID string, photoCount int) (*model.ImportManifest, error) {
	pc := w.pc
	timeout := pc.Config.Transfer.ImportTimeout(photoCount)
	start := pc.Clock.Now()
	deadline := start.Add(timeout)
	lastNotice := start
	pc.status(events.LevelInfo, "Waiting for import to complete (timeout %s)...", timeout)

	for {
		if err := pc.Cancel.Check("import wait"); err != nil {
			return nil, err
		}
		m, err := w.poll(ctx, batchID)
		if err != nil {
			if IsCancellation(err) || remote.IsFatal(err) {
				return nil, err
			}
			w.logger.Debug("poll manifest", "batch", batchID, "error", err)
		} else if m != nil {
			w.logger.Info("manifest found", "batch", batchID, "files", len(m.Files))
			pc.status(events.LevelSuccess, "Import manifest received (%d files)", len(m.Files))
			return m, nil
		}

		now := pc.Clock.Now()
		if !now.Before(deadline) {
			return nil, &ImportTimeoutError{BatchID: batchID, Timeout: timeout}
		}
		elapsed := now.Sub(start)
		if now.Sub(lastNotice) >= stillWaitingEvery {
			lastNotice = now
			pc.status(events.LevelInfo, "Still waiting for import... (%ds elapsed)", int(elapsed.Seconds()))
		}
		delay := pollInterval(elapsed)
		if remaining := deadline.Sub(now); delay > remaining {
			delay = remaining
		}
		if err := pc.Sleep(ctx, delay, "import wait"); err != nil {
			return nil, err
		}
	}
}

// poll opens a fresh session and reads the manifest. A missing or
// not-yet-valid manifest returns nil, nil.
func (w *ManifestWaiter) poll(ctx context.Context, batchID string) (*model.ImportManifest, error) {
	pc := w.pc
	sess, done, err := pc.openSession(ctx, batchID)
	if err != nil {
		return nil, err
	}
	defer done()

	home, err := sess.Home(ctx)
	if err != nil {
		return nil, err
	}
	reports := remote.ResolvePath(home, pc.Config.Paths.RemoteReportsDir)
	name := path.Join(reports, ManifestName(batchID))
	rfs := sess.Fs()
	if ok, _ := afero.Exists(rfs, name); !ok {
		return nil, nil
	}

	var m model.ImportManifest
	for attempt := 1; ; attempt++ {
		data, err := afero.ReadFile(rfs, name)
		if err == nil {
			if err = json.Unmarshal(data, &m); err == nil {
				break
			}
		}
		if attempt >= parseAttempts {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := pc.Sleep(ctx, parseDelay, "import wait"); err != nil {
			return nil, err
		}
	}

	if m.BatchID != batchID {
		w.logger.Warn("manifest batch mismatch", "want", batchID, "got", m.BatchID)
		pc.status(events.LevelWarning, "Manifest batch ID mismatch: expected %s, got %s", batchID, m.BatchID)
		return nil, nil
	}
	if len(m.Files) == 0 {
		return nil, nil
	}
	return &m, nil
}
