// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package events_test

import (
	"fmt"
	"testing"

	"github.com/mdhender/photoxfer/pipelines/events"
)

func TestRecorder_Bounded(t *testing.T) {
	r := events.NewRecorder(10, nil)
	for i := 0; i < 25; i++ {
		r.Emit(events.Status(events.LevelInfo, fmt.Sprintf("msg %d", i)))
	}

	page, total := r.Page(0, 100)
	if total != 10 || len(page) != 10 {
		t.Fatalf("expected 10 events, got total=%d len=%d", total, len(page))
	}
	if page[0].Message != "msg 15" || page[9].Message != "msg 24" {
		t.Errorf("expected oldest events dropped, got %q..%q", page[0].Message, page[9].Message)
	}
	if page[0].ID == "" || page[0].Timestamp.IsZero() {
		t.Errorf("expected id and timestamp to be stamped")
	}

	lines := r.Lines(3)
	if len(lines) != 3 || lines[2] != "INFO: msg 24" {
		t.Errorf("unexpected lines: %v", lines)
	}
}

func TestRecorder_Page(t *testing.T) {
	r := events.NewRecorder(0, nil)
	for i := 0; i < 5; i++ {
		r.Emit(events.Error(fmt.Sprintf("e%d", i)))
	}
	page, total := r.Page(3, 10)
	if total != 5 || len(page) != 2 || page[0].Message != "e3" {
		t.Errorf("unexpected page: total=%d %+v", total, page)
	}
	page, _ = r.Page(9, 10)
	if len(page) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(page))
	}
}

func TestRecorder_LatestProgress(t *testing.T) {
	r := events.NewRecorder(0, nil)
	if _, ok := r.Latest(events.KindTransferProgress); ok {
		t.Fatal("expected no progress event")
	}
	r.Emit(events.TransferProgress("a.jpg", 50, 100, 1, 3))
	r.Emit(events.Status(events.LevelInfo, "between"))
	r.Emit(events.TransferProgress("b.jpg", 1000, 1000, 2, 3))

	e, ok := r.Latest(events.KindTransferProgress)
	if !ok {
		t.Fatal("expected progress event")
	}
	if e.File != "b.jpg" || e.Percent != 100 || e.CurrentFile != 2 || e.TotalFiles != 3 {
		t.Errorf("unexpected progress event: %+v", e)
	}
	if got := events.Line(e); got != "  b.jpg: 100% (1,000/1,000 bytes)" {
		t.Errorf("unexpected line %q", got)
	}
}

func TestRecorder_Reset(t *testing.T) {
	r := events.NewRecorder(0, nil)
	r.Emit(events.Complete("b1", true, "done"))
	r.Append("extra")
	r.Reset()
	if _, total := r.Page(0, 10); total != 0 {
		t.Errorf("expected no events after reset, got %d", total)
	}
	if len(r.Lines(0)) != 0 {
		t.Errorf("expected no lines after reset")
	}
}
