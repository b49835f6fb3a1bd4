// Copyright (c) 2025 Michael D Henderson. All rights reserved.

// Package events defines the structured progress events emitted by the import
// pipeline and a bounded in-memory sink for them.
package events

import "time"

// Kind identifies the shape of an Event.
type Kind string

const (
	KindStatus           Kind = "status"
	KindStagingProgress  Kind = "staging_progress"
	KindTransferProgress Kind = "transfer_progress"
	KindError            Kind = "error"
	KindComplete         Kind = "complete"
	KindCancelled        Kind = "cancelled"
)

// Level is the severity of a status event.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is a single pipeline notification. Only the fields relevant to Kind
// are set.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	BatchID   string    `json:"batch_id,omitempty"`
	Level     Level     `json:"level,omitempty"`
	Message   string    `json:"message,omitempty"`

	// staging_progress and transfer_progress
	File    string `json:"file,omitempty"`
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
	Percent int    `json:"percent"`

	// transfer_progress
	BytesTransferred int64 `json:"bytes_transferred,omitempty"`
	TotalBytes       int64 `json:"total_bytes,omitempty"`
	CurrentFile      int   `json:"current_file,omitempty"`
	TotalFiles       int   `json:"total_files,omitempty"`

	// complete and cancelled
	Success *bool `json:"success,omitempty"`
}

// Sink receives pipeline events. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

func Status(level Level, message string) Event {
	return Event{Kind: KindStatus, Level: level, Message: message}
}

func StagingProgress(file string, current, total int) Event {
	return Event{
		Kind:    KindStagingProgress,
		File:    file,
		Current: current,
		Total:   total,
		Percent: percent(int64(current), int64(total)),
	}
}

// TransferProgress reports bytes sent for one file; currentFile is 1-based.
func TransferProgress(file string, sent, size int64, currentFile, totalFiles int) Event {
	return Event{
		Kind:             KindTransferProgress,
		File:             file,
		BytesTransferred: sent,
		TotalBytes:       size,
		Percent:          percent(sent, size),
		CurrentFile:      currentFile,
		TotalFiles:       totalFiles,
	}
}

func Error(message string) Event {
	return Event{Kind: KindError, Level: LevelError, Message: message}
}

func Complete(batchID string, success bool, message string) Event {
	return Event{Kind: KindComplete, BatchID: batchID, Success: &success, Message: message}
}

func Cancelled(batchID, message string) Event {
	success := false
	return Event{Kind: KindCancelled, BatchID: batchID, Success: &success, Message: message}
}

func percent(n, d int64) int {
	if d <= 0 {
		return 100
	}
	return int(n * 100 / d)
}
