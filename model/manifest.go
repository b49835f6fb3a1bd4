// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package model

// StagedFile links a source file to its copy in a local staging directory.
// A list of these is written to staged_manifest.json so a crashed run can
// resume before transfer starts.
type StagedFile struct {
	SourcePath  string `json:"src"`
	StagedPath  string `json:"dst"`
	QueueItemID int64  `json:"queue_id"`
}

// ManifestEntry is one file in a transfer or import manifest.
type ManifestEntry struct {
	QueueItemID  int64  `json:"queue_id"`
	RemotePath   string `json:"remote_path"`
	OriginalPath string `json:"original_path"`
}

// TransferManifest is written next to the uploaded files for the remote automation.
type TransferManifest struct {
	BatchID   string          `json:"batch_id"`
	Timestamp string          `json:"timestamp"`
	Files     []ManifestEntry `json:"files"`
}

// ImportManifest is authored by the remote import automation once it has
// finished with a batch. Its appearance is the only completion signal.
type ImportManifest struct {
	BatchID string          `json:"batch_id"`
	Files   []ManifestEntry `json:"files"`
}
