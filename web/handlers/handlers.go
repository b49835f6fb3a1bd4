// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer"
	"github.com/mdhender/photoxfer/model"
	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/mdhender/photoxfer/pipelines/stages"
)

// Service is the part of stages.ImportService the handlers use.
type Service interface {
	Start(ctx context.Context, paths []string) (string, int, error)
	Cancel() string
	Status(ctx context.Context) stages.StatusReport
	Events(offset, limit int) ([]events.Event, int)
	BatchDetail(ctx context.Context, batchID string) (*model.BatchSummary, error)
	ImportStatus(ctx context.Context, paths []string) (map[string]*time.Time, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	svc    Service
	logger hclog.Logger
}

// New creates a new Handlers backed by svc.
func New(svc Service, logger hclog.Logger) *Handlers {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Handlers{svc: svc, logger: logger.Named("http")}
}

// Routes registers the API on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/import", h.Import)
	mux.HandleFunc("POST /api/import/status", h.ImportStatus)
	mux.HandleFunc("GET /api/pipeline/status", h.Status)
	mux.HandleFunc("GET /api/pipeline/events", h.Events)
	mux.HandleFunc("POST /api/pipeline/cancel", h.Cancel)
	mux.HandleFunc("GET /api/pipeline/batches/{id}", h.BatchDetail)
	mux.HandleFunc("GET /api/version", h.Version)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// Version reports the build version.
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": photoxfer.Version().String()})
}
