// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/mdhender/photoxfer/pipelines/remote"
)

// ImportLogName is the import automation's log in the reports directory.
const ImportLogName = "import.log"

// orphanSessionKey tracks sessions opened outside of any batch.
const orphanSessionKey = "orphan-cleanup"

// Cleaner removes batch artifacts from both ends of a transfer. Every
// failure is reported as a warning; cleanup never fails a batch.
type Cleaner struct {
	pc     *PipelineContext
	logger hclog.Logger
}

func NewCleaner(pc *PipelineContext) *Cleaner {
	pc.withDefaults()
	return &Cleaner{pc: pc, logger: pc.Logger.Named("cleanup")}
}

// remoteDirs resolves the incoming, processed and reports directories.
type remoteDirs struct {
	incoming, processed, reports string
}

func (pc *PipelineContext) resolveRemoteDirs(ctx context.Context, sess remote.Session) (remoteDirs, error) {
	home, err := sess.Home(ctx)
	if err != nil {
		return remoteDirs{}, err
	}
	return remoteDirs{
		incoming:  remote.ResolvePath(home, pc.Config.Paths.RemoteIncomingDir),
		processed: remote.ResolvePath(home, pc.Config.Paths.RemoteProcessedDir),
		reports:   remote.ResolvePath(home, pc.Config.Paths.RemoteReportsDir),
	}, nil
}

// CleanupRemote removes the batch's incoming and processed directories and
// its manifest unless the retention policy keeps them. On success the import
// log may also be truncated.
func (c *Cleaner) CleanupRemote(ctx context.Context, batchID string, success bool) {
	pc := c.pc
	keep := pc.Config.Cleanup.KeepFailedDays
	if success {
		keep = pc.Config.Cleanup.KeepSuccessfulDays
	}
	if keep > 0 {
		c.logger.Debug("keeping remote files", "batch", batchID, "days", keep)
		pc.status(events.LevelInfo, "Keeping remote files for %d days", keep)
		return
	}

	sess, done, err := pc.openSession(ctx, batchID)
	if err != nil {
		c.warn("Remote cleanup skipped: %v", err)
		return
	}
	defer done()
	dirs, err := pc.resolveRemoteDirs(ctx, sess)
	if err != nil {
		c.warn("Remote cleanup skipped: %v", err)
		return
	}

	commands := []string{
		"rm -rf " + remote.Quote(path.Join(dirs.incoming, batchID)),
		"rm -rf " + remote.Quote(path.Join(dirs.processed, batchID)),
		"rm -f " + remote.Quote(path.Join(dirs.reports, ManifestName(batchID))),
	}
	if success && pc.Config.Cleanup.CleanLogOnSuccess {
		commands = append(commands, fmt.Sprintf(`echo "$(date): Cleaned after batch %s" > %s`,
			batchID, remote.Quote(path.Join(dirs.reports, ImportLogName))))
	}
	c.run(ctx, sess, commands)
	pc.status(events.LevelInfo, "Cleaned up remote files for batch %s", batchID)
}

// CleanupOrphans removes batch directories and temporary manifests older
// than the orphan threshold. A zero threshold disables it.
func (c *Cleaner) CleanupOrphans(ctx context.Context) error {
	pc := c.pc
	hours := pc.Config.Cleanup.OrphanMaxAgeHours
	if hours <= 0 {
		return nil
	}
	minutes := int(hours * 60)

	sess, done, err := pc.openSession(ctx, orphanSessionKey)
	if err != nil {
		c.warn("Orphan cleanup skipped: %v", err)
		return err
	}
	defer done()
	dirs, err := pc.resolveRemoteDirs(ctx, sess)
	if err != nil {
		c.warn("Orphan cleanup skipped: %v", err)
		return err
	}

	c.logger.Info("cleaning orphans", "older_than_minutes", minutes)
	c.run(ctx, sess, []string{
		fmt.Sprintf(`find %s -maxdepth 1 -type d -name "20*_*" -mmin +%d -exec rm -rf {} +`, remote.Quote(dirs.incoming), minutes),
		fmt.Sprintf(`find %s -name ".manifest_*_tmp.json" -mmin +%d -delete`, remote.Quote(dirs.reports), minutes),
	})
	return nil
}

// CleanupLocal removes a staging directory and forgets it.
func (c *Cleaner) CleanupLocal(batchID, dir string) {
	c.pc.removeStagingDir(batchID, dir)
}

func (c *Cleaner) run(ctx context.Context, sess remote.Session, commands []string) {
	for _, cmd := range commands {
		out, code, err := sess.Run(ctx, cmd)
		if err != nil {
			c.warn("Cleanup command failed: %v", err)
		} else if code != 0 {
			c.warn("Cleanup command exited %d: %s", code, out)
		}
	}
}

func (c *Cleaner) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Warn(msg)
	c.pc.status(events.LevelWarning, "%s", msg)
}

// OrphanSweeper runs CleanupOrphans on a fixed interval.
type OrphanSweeper struct {
	cleaner  *Cleaner
	interval time.Duration
	busy     func() bool
}

// NewOrphanSweeper returns a sweeper. Sweeps are skipped while busy
// reports true so a long-running import is never swept away.
func NewOrphanSweeper(cleaner *Cleaner, interval time.Duration, busy func() bool) *OrphanSweeper {
	if busy == nil {
		busy = func() bool { return false }
	}
	return &OrphanSweeper{cleaner: cleaner, interval: interval, busy: busy}
}

// Run sweeps until ctx is done. A non-positive interval returns at once.
func (s *OrphanSweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.busy() {
				s.cleaner.logger.Debug("orphan sweep skipped, batch running")
				continue
			}
			_ = s.cleaner.CleanupOrphans(ctx)
		}
	}
}
