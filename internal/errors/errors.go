// Package errors provides the error taxonomy of the scan queue and its
// synchronization engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable error code that is surfaced to API clients.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Storage errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrDatabase           ErrorCode = "DATABASE_ERROR"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"

	// Queue errors
	ErrDuplicateScan ErrorCode = "DUPLICATE_SCAN"

	// Sync errors
	ErrSyncItemFailed      ErrorCode = "SYNC_ITEM_FAILED"
	ErrBatchAlreadyRunning ErrorCode = "BATCH_ALREADY_RUNNING"
	ErrRecorderFailed      ErrorCode = "RECORDER_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if appErr.Code == code {
			return true
		}
		// An AppError may wrap another AppError with a different code.
		return appErr.Err != nil && Is(appErr.Err, code)
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// StorageUnavailable wraps err as a STORAGE_UNAVAILABLE error.
func StorageUnavailable(err error) *AppError {
	return Wrap(ErrStorageUnavailable, "offline storage unavailable", err)
}

// NotFound reports a missing queued scan.
func NotFound(id string) *AppError {
	return New(ErrNotFound, fmt.Sprintf("scan %s not found", id))
}
