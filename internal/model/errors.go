package model

import (
	"errors"
	"fmt"
)

// SyncError represents an error raised by the sync engine.
//
// Sync errors include:
//   - Invalid mutation: a record fails envelope or payload validation
//   - Not found: a referenced entity does not exist
//   - Storage: the local store or a durable backend failed
//   - Transport: the sync submission could not reach the server
//   - Batch rejected: the server reconciled the batch with per-item errors
//   - Flush in progress: a flush was requested while another one runs
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// EntityID identifies the affected record, when there is one.
	EntityID string

	// Details contains additional context.
	Details []string

	// Err is the underlying cause, if any.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	ErrCodeInvalidMutation SyncErrorCode = "INVALID_MUTATION"
	ErrCodeNotFound        SyncErrorCode = "NOT_FOUND"
	ErrCodeStorage         SyncErrorCode = "STORAGE"
	ErrCodeTransport       SyncErrorCode = "TRANSPORT"
	ErrCodeBatchRejected   SyncErrorCode = "BATCH_REJECTED"
	ErrCodeFlushInProgress SyncErrorCode = "FLUSH_IN_PROGRESS"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.EntityID != "" {
		msg += fmt.Sprintf(" (id=%s)", e.EntityID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewInvalidMutationError creates a SyncError for a malformed mutation.
func NewInvalidMutationError(id, message string) *SyncError {
	return &SyncError{Code: ErrCodeInvalidMutation, Message: message, EntityID: id}
}

// NewNotFoundError creates a SyncError for a missing entity.
func NewNotFoundError(kind, id string) *SyncError {
	return &SyncError{Code: ErrCodeNotFound, Message: kind + " not found", EntityID: id}
}

// NewStorageError wraps a local or durable storage failure.
func NewStorageError(op string, err error) *SyncError {
	return &SyncError{Code: ErrCodeStorage, Message: op, Err: err}
}

// NewTransportError wraps a failure to reach the sync server.
func NewTransportError(op string, err error) *SyncError {
	return &SyncError{Code: ErrCodeTransport, Message: op, Err: err}
}

// NewBatchRejectedError creates a SyncError carrying the server's per-item errors.
func NewBatchRejectedError(processed int, details []string) *SyncError {
	return &SyncError{
		Code:    ErrCodeBatchRejected,
		Message: fmt.Sprintf("server applied %d items with %d errors", processed, len(details)),
		Details: details,
	}
}

// ErrFlushInProgress is returned when a flush is already running.
var ErrFlushInProgress = &SyncError{Code: ErrCodeFlushInProgress, Message: "flush already in progress"}

// HasCode reports whether err wraps a SyncError with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsNotFound returns true if the error is a not-found error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsStorage returns true if the error is a storage failure.
func IsStorage(err error) bool {
	return HasCode(err, ErrCodeStorage)
}

// IsTransient returns true if retrying the same operation later may succeed:
// transport failures and batches the server rejected with per-item errors.
func IsTransient(err error) bool {
	return HasCode(err, ErrCodeTransport) || HasCode(err, ErrCodeBatchRejected)
}

// IsInvalidMutation returns true if the error is a validation error.
func IsInvalidMutation(err error) bool {
	return HasCode(err, ErrCodeInvalidMutation)
}
