// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages

import (
	"errors"
	"fmt"
	"time"

	"github.com/mdhender/photoxfer/config"
	"github.com/mdhender/photoxfer/pipelines/remote"
)

// CancelledMessage is the error message persisted for batches stopped by
// the user. It is distinct from every failure message.
const CancelledMessage = "cancelled by user"

// ConfigurationError is fatal and never retried.
type ConfigurationError = config.ConfigurationError

// ConnectivityError means DNS or network-unreachable; fatal within a run.
type ConnectivityError = remote.ConnectivityError

// ErrWriteFile is returned when local file I/O fails.
type ErrWriteFile struct {
	Op   string // mkdir, copy, write, read, hash
	Path string
	Err  error
}

func (e *ErrWriteFile) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ErrWriteFile) Unwrap() error {
	return e.Err
}

// ErrDatabase is returned when database operations fail.
type ErrDatabase struct {
	Op  string
	Err error
}

func (e *ErrDatabase) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *ErrDatabase) Unwrap() error {
	return e.Err
}

// StagingError is returned when no file of a batch could be staged.
type StagingError struct {
	BatchID string
	Msg     string
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging %s: %s", e.BatchID, e.Msg)
}

// TransferError is an integrity or upload failure. With a Path it describes
// one file; without, the whole batch.
type TransferError struct {
	Path string
	Msg  string
	Err  error
}

func (e *TransferError) Error() string {
	msg := e.Msg
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("transfer %s: %v", msg, e.Err)
	}
	return "transfer " + msg
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ImportTimeoutError means the remote import never produced a manifest.
type ImportTimeoutError struct {
	BatchID string
	Timeout time.Duration
}

func (e *ImportTimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for import manifest for %s after %s", e.BatchID, e.Timeout)
}

// ReconciliationError means a single manifest entry could not be applied.
type ReconciliationError struct {
	Path string
	Err  error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.Path, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// CancellationError is returned at the first phase boundary after the user
// cancels.
type CancellationError struct {
	Phase string
}

func (e *CancellationError) Error() string {
	if e.Phase == "" {
		return CancelledMessage
	}
	return fmt.Sprintf("%s during %s", CancelledMessage, e.Phase)
}

// IsCancellation reports whether err is or wraps a CancellationError.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce) || errors.Is(err, remote.ErrCancelled)
}

// Error code constants for logs and the API.
const (
	ErrCodeWriteFile      = "WRITE_FILE"
	ErrCodeDatabase       = "DATABASE"
	ErrCodeConfiguration  = "CONFIGURATION"
	ErrCodeConnectivity   = "CONNECTIVITY"
	ErrCodeAuth           = "AUTH"
	ErrCodeHostKey        = "HOST_KEY"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeStaging        = "STAGING"
	ErrCodeTransfer       = "TRANSFER"
	ErrCodeImportTimeout  = "IMPORT_TIMEOUT"
	ErrCodeReconciliation = "RECONCILIATION"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeUnknown        = "UNKNOWN"
)

// ErrorCode returns the error code string for a given error.
func ErrorCode(err error) string {
	var (
		writeErr     *ErrWriteFile
		dbErr        *ErrDatabase
		configErr    *ConfigurationError
		connErr      *ConnectivityError
		authErr      *remote.AuthError
		hostKeyErr   *remote.HostKeyError
		timeoutErr   *remote.TimeoutError
		unavailErr   *remote.UnavailableError
		stagingErr   *StagingError
		transferErr  *TransferError
		importErr    *ImportTimeoutError
		reconcileErr *ReconciliationError
	)
	switch {
	case err == nil:
		return ""
	case IsCancellation(err):
		return ErrCodeCancelled
	case errors.As(err, &configErr):
		return ErrCodeConfiguration
	case errors.As(err, &connErr):
		return ErrCodeConnectivity
	case errors.As(err, &authErr):
		return ErrCodeAuth
	case errors.As(err, &hostKeyErr):
		return ErrCodeHostKey
	case errors.As(err, &importErr):
		return ErrCodeImportTimeout
	case errors.As(err, &timeoutErr):
		return ErrCodeTimeout
	case errors.As(err, &unavailErr):
		return ErrCodeUnavailable
	case errors.As(err, &stagingErr):
		return ErrCodeStaging
	case errors.As(err, &transferErr):
		return ErrCodeTransfer
	case errors.As(err, &reconcileErr):
		return ErrCodeReconciliation
	case errors.As(err, &writeErr):
		return ErrCodeWriteFile
	case errors.As(err, &dbErr):
		return ErrCodeDatabase
	default:
		return ErrCodeUnknown
	}
}
