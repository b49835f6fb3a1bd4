// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages_test

import (
	"errors"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/mdhender/photoxfer/model"
	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/mdhender/photoxfer/pipelines/remote"
	"github.com/mdhender/photoxfer/pipelines/stages"
	"github.com/spf13/afero"
)

func TestOrchestrator_EndToEndWithWake(t *testing.T) {
	e := newTestEnv(t)
	e.host.awake = false
	e.host.autoImport = true
	var paths []string
	for _, name := range []string{"a", "b", "c"} {
		paths = append(paths, e.writeSource("/photos/"+name+".jpg", strings.Repeat(name, 10)))
	}
	id := e.newBatch("20250601_120000_aaaaaaaa", paths...)

	status, err := stages.NewOrchestrator(e.pc).Process(e.ctx, id)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if status != model.BatchStatusComplete {
		t.Fatalf("status = %q, want complete", status)
	}
	b := e.batch(id)
	if b.Status != model.BatchStatusComplete || b.PhotoCount != 3 || b.StartedAt == nil {
		t.Errorf("batch = %+v", b)
	}
	if e.host.packets != remote.WakeRepeats {
		t.Errorf("magic packets = %d, want %d", e.host.packets, remote.WakeRepeats)
	}

	imported, _ := e.store.ImportStatus(e.ctx, paths)
	for _, p := range paths {
		if imported[p] == nil {
			t.Errorf("%s not marked imported", p)
		}
	}

	if e.host.exists(incomingDir(id)) {
		t.Errorf("remote incoming directory not cleaned up")
	}
	if e.host.exists(path.Join(remoteHome, "ProcessedPhotos", id)) {
		t.Errorf("remote processed directory not cleaned up")
	}
	reports := path.Join(remoteHome, "ImportReports")
	if e.host.exists(path.Join(reports, stages.ManifestName(id))) {
		t.Errorf("import manifest not cleaned up")
	}
	logData, err := afero.ReadFile(e.host.fs, path.Join(reports, stages.ImportLogName))
	if err != nil || !strings.Contains(string(logData), "Cleaned after batch "+id) {
		t.Errorf("import.log = %q, %v", logData, err)
	}
	if dirs := e.stagingDirs(); len(dirs) != 0 {
		t.Errorf("staging root has %d entries, want 0", len(dirs))
	}
	if s, d := e.pc.Resources.Counts(id); s != 0 || d != 0 {
		t.Errorf("resources still held: %d sessions, %d dirs", s, d)
	}

	done := e.events(events.KindComplete)
	if len(done) != 1 || done[0].Success == nil || !*done[0].Success || done[0].BatchID != id {
		t.Errorf("complete events = %+v", done)
	}
	if got := e.host.ran("mkdir -p "); len(got) != 3 {
		t.Errorf("setup created %d directories, want 3", len(got))
	}
}

func TestOrchestrator_OneStagingFailureStillCompletes(t *testing.T) {
	e := newTestEnv(t)
	e.host.autoImport = true
	var paths []string
	for _, name := range []string{"a", "b", "c", "d"} {
		paths = append(paths, e.writeSource("/photos/"+name+".jpg", name+name+name))
	}
	id := e.newBatch("20250601_120000_bbbbbbbb", paths...)
	// d.jpg disappears after items are fetched
	e.host.onDial = func(n int) {
		if n == 1 {
			_ = e.fs.Remove(paths[3])
		}
	}

	status, err := stages.NewOrchestrator(e.pc).Process(e.ctx, id)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if status != model.BatchStatusComplete {
		t.Fatalf("status = %q, want complete", status)
	}
	errs := e.errorTypes(id)
	if len(errs) != 1 || errs[paths[3]] != model.ErrorTypeStagingFailed {
		t.Errorf("errors = %v, want one staging_failed for %s", errs, paths[3])
	}
	summary, err := e.store.BatchSummary(e.ctx, id)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Complete != 3 || summary.Error != 1 || summary.Pending != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestOrchestrator_ImportTimeoutKeepsFailedFiles(t *testing.T) {
	for _, tc := range []struct {
		name       string
		keepDays   int
		wantRemote bool
	}{
		{"keep", 7, true},
		{"remove", 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.cfg.Transfer.PerPhotoTimeoutSeconds = 5
			e.cfg.Cleanup.KeepFailedDays = tc.keepDays
			a := e.writeSource("/photos/a.jpg", "aaaa")
			b := e.writeSource("/photos/b.jpg", "bbbb")
			id := e.newBatch("20250601_120000_cccccccc", a, b)

			status, err := stages.NewOrchestrator(e.pc).Process(e.ctx, id)
			var timeoutErr *stages.ImportTimeoutError
			if !errors.As(err, &timeoutErr) {
				t.Fatalf("err = %v, want ImportTimeoutError", err)
			}
			if status != model.BatchStatusFailed {
				t.Fatalf("status = %q, want failed", status)
			}
			batch := e.batch(id)
			if batch.Status != model.BatchStatusFailed || !strings.Contains(batch.ErrorMessage, "timeout") {
				t.Errorf("batch = %+v", batch)
			}
			if got := e.host.exists(incomingDir(id)); got != tc.wantRemote {
				t.Errorf("remote files present = %v, want %v", got, tc.wantRemote)
			}
			if dirs := e.stagingDirs(); len(dirs) != 0 {
				t.Errorf("staging root has %d entries, want 0", len(dirs))
			}
			done := e.events(events.KindComplete)
			if len(done) != 1 || done[0].Success == nil || *done[0].Success {
				t.Errorf("complete events = %+v, want one unsuccessful", done)
			}
			if errs := e.events(events.KindError); len(errs) == 0 || !strings.HasPrefix(errs[len(errs)-1].Message, "Batch failed: ") {
				t.Errorf("error events = %+v", errs)
			}
		})
	}
}

func TestOrchestrator_CancelMidTransfer(t *testing.T) {
	e := newTestEnv(t)
	e.host.autoImport = true
	a := e.writeSource("/photos/a.jpg", "aaaa")
	b := e.writeSource("/photos/b.jpg", "bbbb")
	c := e.writeSource("/photos/c.jpg", "cccc")
	id := e.newBatch("20250601_120000_dddddddd", a, b, c)
	e.onEvent(func(ev events.Event) {
		if ev.Kind == events.KindTransferProgress && ev.Percent == 100 {
			e.pc.Cancel.Cancel()
		}
	})

	status, err := stages.NewOrchestrator(e.pc).Process(e.ctx, id)
	if !stages.IsCancellation(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if status != model.BatchStatusFailed {
		t.Fatalf("status = %q, want failed", status)
	}
	if msg := e.batch(id).ErrorMessage; msg != stages.CancelledMessage {
		t.Errorf("error message = %q, want %q", msg, stages.CancelledMessage)
	}
	if dirs := e.stagingDirs(); len(dirs) != 0 {
		t.Errorf("local staging not cleaned up: %d entries", len(dirs))
	}
	if e.host.exists(incomingDir(id)) {
		t.Errorf("remote incoming directory not cleaned up")
	}
	if got := len(e.events(events.KindCancelled)); got != 1 {
		t.Errorf("cancelled events = %d, want 1", got)
	}
	if got := len(e.events(events.KindComplete)); got != 0 {
		t.Errorf("complete events = %d, want 0", got)
	}
	imported, _ := e.store.ImportStatus(e.ctx, []string{a, b, c})
	for p, at := range imported {
		if at != nil {
			t.Errorf("%s marked imported after cancel", p)
		}
	}
}

func TestOrchestrator_TerminalBatchUnchanged(t *testing.T) {
	e := newTestEnv(t)
	a := e.writeSource("/photos/a.jpg", "aaaa")
	id := e.newBatch("20250601_120000_eeeeeeee", a)
	if err := e.store.FinishBatch(e.ctx, id, model.BatchStatusPartial, "1/2 files imported successfully"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	status, err := stages.NewOrchestrator(e.pc).Process(e.ctx, id)
	if !errors.Is(err, stages.ErrBatchTerminal) {
		t.Fatalf("err = %v, want ErrBatchTerminal", err)
	}
	if status != model.BatchStatusPartial {
		t.Errorf("status = %q, want partial", status)
	}
	if b := e.batch(id); b.Status != model.BatchStatusPartial || b.ErrorMessage != "1/2 files imported successfully" {
		t.Errorf("batch changed: %+v", b)
	}
	if e.host.dials != 0 {
		t.Errorf("dials = %d, want 0", e.host.dials)
	}
}

func TestOrchestrator_NoFilesFailsBeforeConnecting(t *testing.T) {
	e := newTestEnv(t)
	id := e.newBatch("20250601_120000_ffffffff", "/photos/missing.jpg")

	status, err := stages.NewOrchestrator(e.pc).Process(e.ctx, id)
	var stagingErr *stages.StagingError
	if !errors.As(err, &stagingErr) {
		t.Fatalf("err = %v, want StagingError", err)
	}
	if status != model.BatchStatusFailed || e.batch(id).Status != model.BatchStatusFailed {
		t.Errorf("status = %q, batch = %q, want failed", status, e.batch(id).Status)
	}
	if e.host.dials != 0 || len(e.host.commands) != 0 {
		t.Errorf("host contacted: %d dials, commands %v", e.host.dials, e.host.commands)
	}
	if got := e.errorTypes(id)["/photos/missing.jpg"]; got != model.ErrorTypeFileNotFound {
		t.Errorf("error type = %q", got)
	}
}

func TestOrchestrator_ConnectivityErrorIsFatal(t *testing.T) {
	e := newTestEnv(t)
	e.host.dialErr = &remote.ConnectivityError{Host: "import-host", Err: errors.New("no such host")}
	a := e.writeSource("/photos/a.jpg", "aaaa")
	id := e.newBatch("20250601_120000_abcdef01", a)

	status, err := stages.NewOrchestrator(e.pc).Process(e.ctx, id)
	if got := stages.ErrorCode(err); got != stages.ErrCodeConnectivity {
		t.Fatalf("error code = %q (%v), want %q", got, err, stages.ErrCodeConnectivity)
	}
	if status != model.BatchStatusFailed {
		t.Errorf("status = %q, want failed", status)
	}
	if e.host.packets != 0 {
		t.Errorf("magic packets = %d, want 0", e.host.packets)
	}
	if e.host.dials != 1 {
		t.Errorf("dials = %d, want 1 (no remote cleanup for an unreached host)", e.host.dials)
	}
}

func TestOrchestrator_PanicBecomesFailure(t *testing.T) {
	e := newTestEnv(t)
	a := e.writeSource("/photos/a.jpg", "aaaa")
	id := e.newBatch("20250601_120000_abcdef02", a)
	var once sync.Once
	e.onEvent(func(ev events.Event) {
		if ev.Kind == events.KindStagingProgress {
			once.Do(func() { panic("boom") })
		}
	})

	status, err := stages.NewOrchestrator(e.pc).Process(e.ctx, id)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
	if status != model.BatchStatusFailed || e.batch(id).Status != model.BatchStatusFailed {
		t.Errorf("status = %q, want failed", status)
	}
	if dirs := e.stagingDirs(); len(dirs) != 0 {
		t.Errorf("staging root has %d entries after panic, want 0", len(dirs))
	}
}
