// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/mdhender/photoxfer/pipelines/stages"
	sqlite "github.com/mdhender/photoxfer/stores/sqlite"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxBodyBytes      = 1 << 20
)

type filepathsRequest struct {
	Filepaths []string `json:"filepaths"`
}

type importResponse struct {
	Success bool   `json:"success"`
	BatchID string `json:"batch_id"`
	Count   int    `json:"count"`
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type eventsResponse struct {
	Events  []events.Event `json:"events"`
	Total   int            `json:"total"`
	HasMore bool           `json:"has_more"`
}

type importStatusEntry struct {
	Filepath   string     `json:"filepath"`
	ImportedAt *time.Time `json:"imported_at"`
}

type batchItem struct {
	ID           int64  `json:"id"`
	Filepath     string `json:"filepath"`
	Status       string `json:"status"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count,omitempty"`
}

type batchResponse struct {
	BatchID      string      `json:"batch_id"`
	Status       string      `json:"status"`
	PhotoCount   int         `json:"photo_count"`
	StartedAt    *time.Time  `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Total        int         `json:"total"`
	Complete     int         `json:"complete"`
	Error        int         `json:"error"`
	Pending      int         `json:"pending"`
	Items        []batchItem `json:"items"`
}

func decodeFilepaths(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req filepathsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return req.Filepaths, true
}

// Import creates a batch from the posted file paths and starts it.
func (h *Handlers) Import(w http.ResponseWriter, r *http.Request) {
	paths, ok := decodeFilepaths(w, r)
	if !ok {
		return
	}
	batchID, count, err := h.svc.Start(r.Context(), paths)
	switch {
	case errors.Is(err, stages.ErrNoFiles):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, stages.ErrBusy), errors.Is(err, stages.ErrPoolFull):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("import failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start import")
		return
	}
	writeJSON(w, http.StatusOK, importResponse{Success: true, BatchID: batchID, Count: count})
}

// ImportStatus reports when each posted path was last imported.
func (h *Handlers) ImportStatus(w http.ResponseWriter, r *http.Request) {
	paths, ok := decodeFilepaths(w, r)
	if !ok {
		return
	}
	status, err := h.svc.ImportStatus(r.Context(), paths)
	if err != nil {
		h.logger.Error("import status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read import status")
		return
	}
	resp := make([]importStatusEntry, 0, len(paths))
	for _, p := range paths {
		resp = append(resp, importStatusEntry{Filepath: p, ImportedAt: status[p]})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

// Events returns a page of recorded events. Query parameters offset and
// limit default to 0 and 100.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	limit = min(limit, maxEventLimit)

	page, total := h.svc.Events(offset, limit)
	if page == nil {
		page = []events.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Events:  page,
		Total:   total,
		HasMore: offset+len(page) < total,
	})
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cancelResponse{Success: true, Message: h.svc.Cancel()})
}

// BatchDetail returns a batch with its item counts and per-item errors.
func (h *Handlers) BatchDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, err := h.svc.BatchDetail(r.Context(), id)
	if errors.Is(err, sqlite.ErrNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	} else if err != nil {
		h.logger.Error("batch detail failed", "batch", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}

	resp := batchResponse{
		BatchID:      summary.Batch.ID,
		Status:       string(summary.Batch.Status),
		PhotoCount:   summary.Batch.PhotoCount,
		StartedAt:    summary.Batch.StartedAt,
		CompletedAt:  summary.Batch.CompletedAt,
		ErrorMessage: summary.Batch.ErrorMessage,
		Total:        summary.Total,
		Complete:     summary.Complete,
		Error:        summary.Error,
		Pending:      summary.Pending,
		Items:        make([]batchItem, 0, len(summary.Items)),
	}
	for _, item := range summary.Items {
		resp.Items = append(resp.Items, batchItem{
			ID:           item.ID,
			Filepath:     item.Filepath,
			Status:       string(item.Status),
			ErrorType:    item.ErrorType,
			ErrorMessage: item.ErrorMessage,
			RetryCount:   item.RetryCount,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
