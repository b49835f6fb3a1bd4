// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/config"
	"github.com/mdhender/photoxfer/model"
	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/mdhender/photoxfer/pipelines/remote"
	"github.com/mdhender/photoxfer/stores/writer"
	"github.com/spf13/afero"
)

// Store defines the store operations needed by the pipeline. Mutating
// methods are only ever called from inside a writer op.
type Store interface {
	// mutations
	CreateBatch(ctx context.Context, batchID string, filepaths []string) error
	MarkBatchProcessing(ctx context.Context, batchID string) error
	SetPhotoCount(ctx context.Context, batchID string, count int) error
	FinishBatch(ctx context.Context, batchID string, status model.BatchStatus, errorMsg string) error
	InsertQueueItem(ctx context.Context, batchID, filepath string) (int64, error)
	SetQueueItemStatus(ctx context.Context, id int64, status model.QueueStatus) (bool, error)
	InsertError(ctx context.Context, rec *model.ErrorRecord) (int64, error)
	UpsertPhoto(ctx context.Context, p *model.Photo) error
	MarkPhotoImported(ctx context.Context, path, batchID string, at time.Time) (int64, error)

	// reads
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	PendingItems(ctx context.Context, batchID string, limit int) ([]model.PendingItem, error)
	FindQueueItem(ctx context.Context, batchID, filepath string) (*model.QueueItem, error)
	GetPhoto(ctx context.Context, path string) (*model.Photo, error)
	PendingBatches(ctx context.Context) ([]string, error)
	BatchSummary(ctx context.Context, batchID string) (*model.BatchSummary, error)
	ImportStatus(ctx context.Context, paths []string) (map[string]*time.Time, error)
}

// PipelineContext carries everything a pipeline component needs. One is
// created per application and passed to every constructor.
type PipelineContext struct {
	Config    *config.Config
	Store     Store
	Writer    *writer.Serializer
	Sink      events.Sink
	Cancel    *CancelFlag
	Resources *Resources
	Gateway   *remote.Gateway
	Clock     remote.Clock
	Fs        afero.Fs // local filesystem for sources and staging
	Logger    hclog.Logger
}

// withDefaults fills in the optional fields.
func (pc *PipelineContext) withDefaults() *PipelineContext {
	if pc.Sink == nil {
		pc.Sink = events.Discard
	}
	if pc.Cancel == nil {
		pc.Cancel = NewCancelFlag()
	}
	if pc.Resources == nil {
		pc.Resources = NewResources()
	}
	if pc.Clock == nil {
		pc.Clock = remote.RealClock
	}
	if pc.Fs == nil {
		pc.Fs = afero.NewOsFs()
	}
	if pc.Logger == nil {
		pc.Logger = hclog.NewNullLogger()
	}
	return pc
}

// CancelClock returns a Clock whose Sleep wakes early when the run is
// cancelled. Give it to the gateway so its wait loops stop promptly.
func (pc *PipelineContext) CancelClock() remote.Clock {
	return cancelClock{base: pc.Clock, flag: pc.Cancel}
}

// Sleep pauses for d, returning a CancellationError if the run is
// cancelled first.
func (pc *PipelineContext) Sleep(ctx context.Context, d time.Duration, phase string) error {
	if err := pc.CancelClock().Sleep(ctx, d); err != nil {
		if pc.Cancel.Cancelled() {
			return &CancellationError{Phase: phase}
		}
		return err
	}
	return nil
}

func (pc *PipelineContext) status(level events.Level, format string, args ...any) {
	pc.Sink.Emit(events.Status(level, fmt.Sprintf(format, args...)))
}

func (pc *PipelineContext) errorf(format string, args ...any) {
	pc.Sink.Emit(events.Error(fmt.Sprintf(format, args...)))
}

type cancelClock struct {
	base remote.Clock
	flag *CancelFlag
}

func (c cancelClock) Now() time.Time {
	return c.base.Now()
}

func (c cancelClock) Sleep(ctx context.Context, d time.Duration) error {
	if c.flag.Cancelled() {
		return &CancellationError{Phase: "sleep"}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.flag.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	err := c.base.Sleep(ctx, d)
	if c.flag.Cancelled() {
		return &CancellationError{Phase: "sleep"}
	}
	return err
}

// CancelFlag is the single cooperative cancellation flag shared by every
// run in the application. It is checked at phase boundaries and inside long
// loops; in-flight network calls are allowed to finish.
type CancelFlag struct {
	mu   sync.Mutex
	set  bool
	done chan struct{}
}

func NewCancelFlag() *CancelFlag {
	return &CancelFlag{done: make(chan struct{})}
}

// Cancel sets the flag. It is idempotent and reports whether this call set it.
func (f *CancelFlag) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return false
	}
	f.set = true
	close(f.done)
	return true
}

func (f *CancelFlag) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Done is closed when the flag is set.
func (f *CancelFlag) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Reset clears the flag before a new run is started.
func (f *CancelFlag) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		f.set = false
		f.done = make(chan struct{})
	}
}

// Check returns a CancellationError for phase if the flag is set.
func (f *CancelFlag) Check(phase string) error {
	if f.Cancelled() {
		return &CancellationError{Phase: phase}
	}
	return nil
}

// Resources tracks the sessions and staging directories each batch has
// open so they can be force-released when a run ends, however it ends.
type Resources struct {
	mu       sync.Mutex
	sessions map[string][]remote.Session
	dirs     map[string][]string
}

func NewResources() *Resources {
	return &Resources{
		sessions: make(map[string][]remote.Session),
		dirs:     make(map[string][]string),
	}
}

func (r *Resources) AddSession(batchID string, s remote.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[batchID] = append(r.sessions[batchID], s)
}

func (r *Resources) RemoveSession(batchID string, s remote.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.sessions[batchID]
	for i := range list {
		if list[i] == s {
			r.sessions[batchID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.sessions[batchID]) == 0 {
		delete(r.sessions, batchID)
	}
}

func (r *Resources) AddStagingDir(batchID, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs[batchID] = append(r.dirs[batchID], dir)
}

func (r *Resources) RemoveStagingDir(batchID, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.dirs[batchID]
	for i := range list {
		if list[i] == dir {
			r.dirs[batchID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.dirs[batchID]) == 0 {
		delete(r.dirs, batchID)
	}
}

// Counts returns the number of open sessions and staging directories for
// batchID.
func (r *Resources) Counts(batchID string) (sessions, dirs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[batchID]), len(r.dirs[batchID])
}

// Release closes every session still open for batchID and returns the
// staging directories still registered to it. Both lists are cleared.
func (r *Resources) Release(batchID string) []string {
	r.mu.Lock()
	sessions := r.sessions[batchID]
	dirs := r.dirs[batchID]
	delete(r.sessions, batchID)
	delete(r.dirs, batchID)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return dirs
}

// openSession opens a remote session tracked under batchID. The returned
// func closes it and is safe to call after Release.
func (pc *PipelineContext) openSession(ctx context.Context, batchID string) (remote.Session, func(), error) {
	sess, err := pc.Gateway.Open(ctx)
	if err != nil {
		return nil, nil, err
	}
	pc.Resources.AddSession(batchID, sess)
	return sess, func() {
		pc.Resources.RemoveSession(batchID, sess)
		_ = sess.Close()
	}, nil
}
