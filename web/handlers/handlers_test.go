// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mdhender/photoxfer/model"
	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/mdhender/photoxfer/pipelines/stages"
	sqlite "github.com/mdhender/photoxfer/stores/sqlite"
	"github.com/mdhender/photoxfer/web/handlers"
)

// mockService records the calls the handlers make.
type mockService struct {
	startErr  error
	started   []string
	cancelled int
	events    []events.Event
	batches   map[string]*model.BatchSummary
	imported  map[string]*time.Time
}

func (m *mockService) Start(ctx context.Context, paths []string) (string, int, error) {
	if m.startErr != nil {
		return "", 0, m.startErr
	}
	m.started = paths
	return "20250601_120000_abcdef01", len(paths), nil
}

func (m *mockService) Cancel() string {
	m.cancelled++
	if m.cancelled > 1 {
		return "Cancellation already requested"
	}
	return "Cancellation requested"
}

func (m *mockService) Status(ctx context.Context) stages.StatusReport {
	return stages.StatusReport{
		Running:      true,
		BatchID:      "b1",
		RecentEvents: []string{"INFO: Staging 2 files"},
		Progress:     &stages.Progress{Current: 1, Total: 2, Percent: 50},
	}
}

func (m *mockService) Events(offset, limit int) ([]events.Event, int) {
	total := len(m.events)
	if offset >= total {
		return nil, total
	}
	return m.events[offset:min(offset+limit, total)], total
}

func (m *mockService) BatchDetail(ctx context.Context, batchID string) (*model.BatchSummary, error) {
	s, ok := m.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("get batch %s: %w", batchID, sqlite.ErrNotFound)
	}
	return s, nil
}

func (m *mockService) ImportStatus(ctx context.Context, paths []string) (map[string]*time.Time, error) {
	return m.imported, nil
}

func serve(t *testing.T, svc handlers.Service, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	handlers.New(svc, nil).Routes(mux)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestImport(t *testing.T) {
	svc := &mockService{}
	w := serve(t, svc, "POST", "/api/import", `{"filepaths":["/a.jpg","/b.jpg"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		Success bool   `json:"success"`
		BatchID string `json:"batch_id"`
		Count   int    `json:"count"`
	}
	decode(t, w, &resp)
	if !resp.Success || resp.BatchID != "20250601_120000_abcdef01" || resp.Count != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if len(svc.started) != 2 {
		t.Errorf("started = %v", svc.started)
	}
}

func TestImport_Errors(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		body string
		want int
	}{
		{"no files", stages.ErrNoFiles, `{"filepaths":[]}`, http.StatusBadRequest},
		{"busy", stages.ErrBusy, `{"filepaths":["/a.jpg"]}`, http.StatusConflict},
		{"queue full", stages.ErrPoolFull, `{"filepaths":["/a.jpg"]}`, http.StatusConflict},
		{"store", fmt.Errorf("boom"), `{"filepaths":["/a.jpg"]}`, http.StatusInternalServerError},
		{"bad json", nil, `{"filepaths":`, http.StatusBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(t, &mockService{startErr: tc.err}, "POST", "/api/import", tc.body)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
			var resp struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			decode(t, w, &resp)
			if resp.Success || resp.Error == "" {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestImport_WrongMethod(t *testing.T) {
	w := serve(t, &mockService{}, "GET", "/api/import", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStatus(t *testing.T) {
	w := serve(t, &mockService{}, "GET", "/api/pipeline/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp stages.StatusReport
	decode(t, w, &resp)
	if !resp.Running || resp.BatchID != "b1" || len(resp.RecentEvents) != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Progress == nil || resp.Progress.Percent != 50 {
		t.Errorf("progress = %+v", resp.Progress)
	}
}

func TestEvents_Paging(t *testing.T) {
	svc := &mockService{}
	for i := range 5 {
		svc.events = append(svc.events, events.Status(events.LevelInfo, fmt.Sprintf("line %d", i)))
	}

	var resp struct {
		Events  []events.Event `json:"events"`
		Total   int            `json:"total"`
		HasMore bool           `json:"has_more"`
	}
	w := serve(t, svc, "GET", "/api/pipeline/events?offset=1&limit=2", "")
	decode(t, w, &resp)
	if len(resp.Events) != 2 || resp.Total != 5 || !resp.HasMore {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Events[0].Message != "line 1" {
		t.Errorf("first = %q, want line 1", resp.Events[0].Message)
	}

	w = serve(t, svc, "GET", "/api/pipeline/events?offset=4", "")
	decode(t, w, &resp)
	if len(resp.Events) != 1 || resp.HasMore {
		t.Errorf("tail resp = %+v", resp)
	}

	w = serve(t, svc, "GET", "/api/pipeline/events?offset=9", "")
	if !strings.Contains(w.Body.String(), `"events":[]`) {
		t.Errorf("past the end = %s, want empty list", w.Body)
	}

	if w := serve(t, svc, "GET", "/api/pipeline/events?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	svc := &mockService{}
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decode(t, serve(t, svc, "POST", "/api/pipeline/cancel", ""), &resp)
	if !resp.Success || resp.Message != "Cancellation requested" {
		t.Fatalf("first = %+v", resp)
	}
	decode(t, serve(t, svc, "POST", "/api/pipeline/cancel", ""), &resp)
	if !resp.Success || resp.Message != "Cancellation already requested" {
		t.Fatalf("second = %+v", resp)
	}
}

func TestBatchDetail(t *testing.T) {
	svc := &mockService{batches: map[string]*model.BatchSummary{
		"b1": {
			Batch:    model.Batch{ID: "b1", Status: model.BatchStatusPartial, PhotoCount: 2},
			Total:    2,
			Complete: 1,
			Error:    1,
			Items: []model.BatchItemDetail{
				{QueueItem: model.QueueItem{ID: 1, Filepath: "/a.jpg", Status: model.QueueStatusComplete}},
				{
					QueueItem:    model.QueueItem{ID: 2, Filepath: "/b.jpg", Status: model.QueueStatusError},
					ErrorType:    model.ErrorTypeTransferFailed,
					ErrorMessage: "connection reset",
				},
			},
		},
	}}

	w := serve(t, svc, "GET", "/api/pipeline/batches/b1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		BatchID  string `json:"batch_id"`
		Status   string `json:"status"`
		Complete int    `json:"complete"`
		Error    int    `json:"error"`
		Items    []struct {
			Filepath  string `json:"filepath"`
			ErrorType string `json:"error_type"`
		} `json:"items"`
	}
	decode(t, w, &resp)
	if resp.BatchID != "b1" || resp.Status != "partial" || resp.Complete != 1 || resp.Error != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Items) != 2 || resp.Items[1].ErrorType != "transfer_failed" {
		t.Errorf("items = %+v", resp.Items)
	}

	if w := serve(t, svc, "GET", "/api/pipeline/batches/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing batch status = %d, want 404", w.Code)
	}
}

func TestImportStatus(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := &mockService{imported: map[string]*time.Time{"/a.jpg": &at, "/b.jpg": nil}}

	w := serve(t, svc, "POST", "/api/import/status", `{"filepaths":["/a.jpg","/b.jpg"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp []struct {
		Filepath   string     `json:"filepath"`
		ImportedAt *time.Time `json:"imported_at"`
	}
	decode(t, w, &resp)
	if len(resp) != 2 || resp[0].Filepath != "/a.jpg" || resp[1].Filepath != "/b.jpg" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp[0].ImportedAt == nil || !resp[0].ImportedAt.Equal(at) {
		t.Errorf("a imported_at = %v", resp[0].ImportedAt)
	}
	if resp[1].ImportedAt != nil {
		t.Errorf("b imported_at = %v, want null", resp[1].ImportedAt)
	}
}
