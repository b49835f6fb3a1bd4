// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/model"
	"github.com/mdhender/photoxfer/pipelines/events"
)

var (
	// ErrBusy is returned by Start while a batch is queued or running.
	ErrBusy = errors.New("a batch is already running")
	// ErrNoFiles is returned when a submission names no files.
	ErrNoFiles = errors.New("no files to import")
)

// StatusLines is the number of output lines included in a StatusReport.
const StatusLines = 50

// NewBatchID returns an id of the form yyyymmdd_hhmmss_xxxxxxxx.
func NewBatchID(t time.Time) string {
	return t.Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ImportService is the application's entry point to the pipeline: it
// creates batches, feeds them to the pool and reports progress.
type ImportService struct {
	pc       *PipelineContext
	pool     *Pool
	recorder *events.Recorder
	logger   hclog.Logger

	mu      sync.Mutex
	current string
}

// NewImportService returns a service that runs batches on pool and reads
// progress from recorder, which should also be pc.Sink.
func NewImportService(pc *PipelineContext, pool *Pool, recorder *events.Recorder) *ImportService {
	pc.withDefaults()
	return &ImportService{
		pc:       pc,
		pool:     pool,
		recorder: recorder,
		logger:   pc.Logger.Named("import"),
	}
}

// Submit records a new Queued batch with one pending item per distinct
// path and returns its id. It does not start the batch.
func (s *ImportService) Submit(ctx context.Context, paths []string) (string, int, error) {
	var files []string
	seen := make(map[string]bool)
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		files = append(files, p)
	}
	if len(files) == 0 {
		return "", 0, ErrNoFiles
	}

	batchID := NewBatchID(s.pc.Clock.Now())
	if err := s.pc.Writer.Exec(ctx, "create batch", func(ctx context.Context) error {
		return s.pc.Store.CreateBatch(ctx, batchID, files)
	}); err != nil {
		return "", 0, &ErrDatabase{Op: "create batch", Err: err}
	}
	s.logger.Info("batch submitted", "batch", batchID, "files", len(files))
	return batchID, len(files), nil
}

// Start submits paths as a new batch and queues it. Only one run may be
// active at a time.
func (s *ImportService) Start(ctx context.Context, paths []string) (string, int, error) {
	if s.pool.Busy() {
		return "", 0, ErrBusy
	}
	batchID, count, err := s.Submit(ctx, paths)
	if err != nil {
		return "", 0, err
	}
	if err := s.queue(batchID); err != nil {
		return batchID, count, err
	}
	return batchID, count, nil
}

// RunPending queues every batch left unfinished by an earlier process and
// returns how many were queued.
func (s *ImportService) RunPending(ctx context.Context) (int, error) {
	if s.pool.Busy() {
		return 0, ErrBusy
	}
	ids, err := s.pc.Store.PendingBatches(ctx)
	if err != nil {
		return 0, &ErrDatabase{Op: "pending batches", Err: err}
	}
	queued := 0
	for _, id := range ids {
		if err := s.queue(id); errors.Is(err, ErrDuplicateBatch) {
			continue
		} else if err != nil {
			return queued, err
		}
		queued++
	}
	s.logger.Info("queued pending batches", "count", queued)
	return queued, nil
}

func (s *ImportService) queue(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pool.Busy() {
		s.pc.Cancel.Reset()
		s.recorder.Reset()
	}
	if err := s.pool.Submit(batchID); err != nil {
		return err
	}
	s.current = batchID
	return nil
}

// Cancel sets the shared cancellation flag. It is idempotent; only the
// call that sets the flag emits an event.
func (s *ImportService) Cancel() string {
	if !s.pc.Cancel.Cancel() {
		return "Cancellation already requested"
	}
	s.mu.Lock()
	batchID := s.current
	s.mu.Unlock()
	s.logger.Info("cancel requested", "batch", batchID)
	s.pc.Sink.Emit(events.Cancelled(batchID, "Pipeline cancelled by user"))
	return "Cancellation requested"
}

// Progress is the latest per-file progress of the running batch.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Percent int `json:"percent"`
}

// StatusReport summarizes the most recent run.
type StatusReport struct {
	Running      bool      `json:"running"`
	BatchID      string    `json:"batch_id,omitempty"`
	RecentEvents []string  `json:"recent_events"`
	FinalStatus  string    `json:"final_status,omitempty"`
	Progress     *Progress `json:"progress,omitempty"`
}

// Status reports whether a batch is running, the last StatusLines output
// lines, the latest progress and, once finished, the batch's status.
func (s *ImportService) Status(ctx context.Context) StatusReport {
	s.mu.Lock()
	batchID := s.current
	s.mu.Unlock()

	report := StatusReport{
		Running:      s.pool.Busy(),
		BatchID:      batchID,
		RecentEvents: s.recorder.Lines(StatusLines),
	}
	if e, ok := s.recorder.Latest(events.KindTransferProgress); ok {
		report.Progress = &Progress{Current: e.CurrentFile, Total: e.TotalFiles, Percent: e.Percent}
	} else if e, ok := s.recorder.Latest(events.KindStagingProgress); ok {
		report.Progress = &Progress{Current: e.Current, Total: e.Total, Percent: e.Percent}
	}
	if !report.Running && batchID != "" {
		if b, err := s.pc.Store.GetBatch(ctx, batchID); err == nil {
			report.FinalStatus = string(b.Status)
		}
	}
	return report
}

// Events returns a page of recorded events and the total recorded.
func (s *ImportService) Events(offset, limit int) ([]events.Event, int) {
	return s.recorder.Page(offset, limit)
}

// BatchDetail returns item counts and per-item errors for batchID.
func (s *ImportService) BatchDetail(ctx context.Context, batchID string) (*model.BatchSummary, error) {
	return s.pc.Store.BatchSummary(ctx, batchID)
}

// ImportStatus returns the import time of each path, nil when never imported.
func (s *ImportService) ImportStatus(ctx context.Context, paths []string) (map[string]*time.Time, error) {
	return s.pc.Store.ImportStatus(ctx, paths)
}
