// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package model

import "time"

// BatchStatus is the coarse, persisted state of a Batch.
type BatchStatus string

const (
	BatchStatusQueued     BatchStatus = "queued"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusComplete   BatchStatus = "complete"
	BatchStatusPartial    BatchStatus = "partial"
	BatchStatusFailed     BatchStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusComplete, BatchStatusPartial, BatchStatusFailed:
		return true
	}
	return false
}

// QueueStatus is the state of a single file's membership in a batch.
type QueueStatus string

const (
	QueueStatusPending  QueueStatus = "pending"
	QueueStatusComplete QueueStatus = "complete"
	QueueStatusError    QueueStatus = "error"
)

// Error types recorded in pipeline_errors.
const (
	ErrorTypeFileNotFound    = "file_not_found"
	ErrorTypeStagingFailed   = "staging_failed"
	ErrorTypeTransferFailed  = "transfer_failed"
	ErrorTypeReconcileFailed = "reconcile_failed"
)

// Batch is a named set of files submitted together for remote import.
// Batches are never deleted.
type Batch struct {
	ID           string
	Status       BatchStatus
	PhotoCount   int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// QueueItem is one file's membership in a batch.
type QueueItem struct {
	ID       int64
	Filepath string
	BatchID  string
	Status   QueueStatus
	QueuedAt time.Time
}

// PendingItem is a QueueItem joined with the hash known for its photo, if any.
type PendingItem struct {
	QueueItemID int64
	Filepath    string
	FileHash    string // empty when the photo has never been hashed
}

// ErrorRecord is an append-only diagnostic entry for a file in a batch.
type ErrorRecord struct {
	ID           int64
	Filepath     string
	BatchID      string
	ErrorType    string
	ErrorMessage string
	RetryCount   int
	LastRetry    *time.Time
}

// Photo is the subset of the shared photos table that the import pipeline touches.
type Photo struct {
	Filepath         string
	Filename         string
	FileHash         string
	FileLastModified time.Time
	ImportBatchID    string
	ImportedAt       *time.Time
}

// BatchSummary holds per-status item counts for a batch.
type BatchSummary struct {
	Batch    Batch
	Total    int
	Complete int
	Error    int
	Pending  int
	Items    []BatchItemDetail
}

// BatchItemDetail is a queue item with its most recent error, if any.
type BatchItemDetail struct {
	QueueItem
	ErrorType    string
	ErrorMessage string
	RetryCount   int
}
