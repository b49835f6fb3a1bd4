// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/model"
	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/mdhender/photoxfer/pipelines/remote"
	sqlite "github.com/mdhender/photoxfer/stores/sqlite"
)

// ErrBatchTerminal is returned when asked to process a batch that has
// already finished. The batch is left unchanged.
var ErrBatchTerminal = errors.New("batch already finished")

// Orchestrator drives one batch at a time through fetch, wake, stage,
// transfer, wait, reconcile and cleanup. It is safe to call Process from
// several goroutines for different batches.
type Orchestrator struct {
	pc          *PipelineContext
	stager      *Stager
	transferrer *Transferrer
	waiter      *ManifestWaiter
	reconciler  *Reconciler
	cleaner     *Cleaner
	orphans     sync.Once
	logger      hclog.Logger
}

func NewOrchestrator(pc *PipelineContext) *Orchestrator {
	pc.withDefaults()
	return &Orchestrator{
		pc:          pc,
		stager:      NewStager(pc),
		transferrer: NewTransferrer(pc),
		waiter:      NewManifestWaiter(pc),
		reconciler:  NewReconciler(pc),
		cleaner:     NewCleaner(pc),
		logger:      pc.Logger.Named("orchestrator"),
	}
}

// Cleaner returns the orchestrator's cleanup manager.
func (o *Orchestrator) Cleaner() *Cleaner {
	return o.cleaner
}

// batchRun is the state of one Process call.
type batchRun struct {
	id          string
	dir         string // local staging directory, once created
	reachedHost bool
	status      model.BatchStatus
}

// Process runs batchID to a terminal status. Every error, including a
// panic, leaves the batch Failed with both ends cleaned up.
func (o *Orchestrator) Process(ctx context.Context, batchID string) (status model.BatchStatus, err error) {
	pc := o.pc
	r := &batchRun{id: batchID}

	batch, err := pc.Store.GetBatch(ctx, batchID)
	if err != nil {
		return "", &ErrDatabase{Op: "get batch", Err: err}
	}
	if batch.Status.IsTerminal() {
		o.logger.Warn("batch already finished", "batch", batchID, "status", batch.Status)
		return batch.Status, ErrBatchTerminal
	}

	defer func() {
		for _, dir := range pc.Resources.Release(batchID) {
			_ = pc.Fs.RemoveAll(dir)
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("panic processing batch", "batch", batchID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", p)
			status = o.fail(ctx, r, err)
		}
	}()

	o.logger.Info("processing batch", "batch", batchID)
	if err := o.run(ctx, r); err != nil {
		return o.fail(ctx, r, err), err
	}
	return r.status, nil
}

func (o *Orchestrator) run(ctx context.Context, r *batchRun) error {
	pc := o.pc
	pc.status(events.LevelInfo, "Starting import of batch %s", r.id)

	items, err := o.stager.FetchItems(ctx, r.id)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return &StagingError{BatchID: r.id, Msg: "no files available to transfer"}
	}
	if err := pc.Writer.Exec(ctx, "mark processing", func(ctx context.Context) error {
		if err := pc.Store.MarkBatchProcessing(ctx, r.id); err != nil {
			return err
		}
		return pc.Store.SetPhotoCount(ctx, r.id, len(items))
	}); err != nil {
		return &ErrDatabase{Op: "mark processing", Err: err}
	}

	if err := pc.Cancel.Check("wake"); err != nil {
		return err
	}
	if err := o.connect(ctx); err != nil {
		return err
	}
	r.reachedHost = true
	o.verifySetup(ctx, r.id)
	if pc.Config.Cleanup.RunOrphanCleanupOnStartup {
		o.orphans.Do(func() { _ = o.cleaner.CleanupOrphans(ctx) })
	}

	if err := pc.Cancel.Check("staging"); err != nil {
		return err
	}
	sd, err := o.stager.Stage(ctx, r.id, items)
	if sd != nil {
		r.dir = sd.Path
	}
	if err != nil {
		return err
	}

	if err := pc.Cancel.Check("transfer"); err != nil {
		return err
	}
	res, err := o.transferrer.Transfer(ctx, sd.Path, r.id)
	if err != nil {
		return err
	}

	if err := pc.Cancel.Check("import wait"); err != nil {
		return err
	}
	m, err := o.waiter.Wait(ctx, r.id, len(res.Entries))
	if err != nil {
		return err
	}
	if len(m.Files) == 0 {
		return &ReconciliationError{Path: ManifestName(r.id), Err: errors.New("manifest lists no files")}
	}

	if err := pc.Cancel.Check("reconcile"); err != nil {
		return err
	}
	status, err := o.reconciler.Apply(ctx, r.id, m)
	if err != nil {
		return err
	}
	r.status = status

	success := status != model.BatchStatusFailed
	o.cleaner.CleanupRemote(ctx, r.id, success)
	o.cleaner.CleanupLocal(r.id, r.dir)

	msg := fmt.Sprintf("Batch %s finished: %s", r.id, status)
	o.logger.Info("batch finished", "batch", r.id, "status", status)
	if success {
		pc.status(events.LevelSuccess, "%s", msg)
	} else {
		pc.status(events.LevelError, "%s", msg)
	}
	pc.Sink.Emit(events.Complete(r.id, success, msg))
	return nil
}

// connect wakes the host, falling back to waiting for it to come up.
func (o *Orchestrator) connect(ctx context.Context) error {
	pc := o.pc
	ok, err := pc.Gateway.Wake(ctx)
	if err == nil && !ok {
		pc.status(events.LevelWarning, "Host did not wake in time, waiting for connection...")
		ok, err = pc.Gateway.WaitForConnection(ctx)
	}
	if errors.Is(err, remote.ErrCancelled) || (err != nil && pc.Cancel.Cancelled()) {
		return &CancellationError{Phase: "wake"}
	} else if err != nil {
		return err
	} else if !ok {
		return &remote.UnavailableError{Host: pc.Config.Remote.Host, Err: errors.New("host did not respond")}
	}
	return nil
}

// verifySetup makes sure the remote directory layout exists. Problems are
// reported but do not stop the batch.
func (o *Orchestrator) verifySetup(ctx context.Context, batchID string) {
	pc := o.pc
	complete := func() bool {
		sess, done, err := pc.openSession(ctx, batchID)
		if err != nil {
			o.logger.Warn("verify setup", "error", err)
			return false
		}
		defer done()
		dirs, err := pc.resolveRemoteDirs(ctx, sess)
		if err != nil {
			o.logger.Warn("verify setup", "error", err)
			return false
		}
		ok := true
		for _, dir := range []string{dirs.incoming, dirs.processed, dirs.reports} {
			if out, _, err := sess.Run(ctx, fmt.Sprintf(`test -d %s && echo "OK"`, remote.Quote(dir))); err == nil && out == "OK" {
				continue
			}
			if _, code, err := sess.Run(ctx, "mkdir -p "+remote.Quote(dir)); err != nil || code != 0 {
				o.logger.Warn("create remote directory", "dir", dir, "exit", code, "error", err)
				ok = false
			}
		}
		return ok
	}()
	if !complete {
		pc.status(events.LevelWarning, "Remote setup incomplete, but continuing anyway")
	}
}

// fail records a failed batch, cleans up and emits the terminal event.
func (o *Orchestrator) fail(ctx context.Context, r *batchRun, cause error) model.BatchStatus {
	pc := o.pc
	cancelled := IsCancellation(cause)
	msg := cause.Error()
	if cancelled {
		msg = CancelledMessage
	}
	o.logger.Error("batch failed", "batch", r.id, "code", ErrorCode(cause), "error", cause)
	pc.errorf("Batch failed: %s", msg)

	// finish even when the caller's context is already done
	bg := context.WithoutCancel(ctx)
	if err := pc.Writer.Exec(bg, "fail batch", func(ctx context.Context) error {
		return pc.Store.FinishBatch(ctx, r.id, model.BatchStatusFailed, msg)
	}); err != nil && !errors.Is(err, sqlite.ErrInvalidTransition) {
		o.logger.Error("record failed batch", "batch", r.id, "error", err)
	}

	o.cleaner.CleanupLocal(r.id, r.dir)
	if r.reachedHost {
		o.cleaner.CleanupRemote(bg, r.id, false)
	}

	if cancelled {
		pc.Sink.Emit(events.Cancelled(r.id, "Batch "+r.id+" "+CancelledMessage))
	} else {
		pc.Sink.Emit(events.Complete(r.id, false, msg))
	}
	return model.BatchStatusFailed
}
