// Package errors provides the error taxonomy for the POS write queue.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an error for retry policy and user surfacing.
type ErrorCode string

const (
	// Storage errors. A sale that cannot be persisted locally is a data-loss
	// risk, so these are fatal to the operation that hit them.
	ErrStorage  ErrorCode = "STORAGE_ERROR"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrInvalid  ErrorCode = "INVALID_INPUT"

	// Sync errors.
	ErrSyncTransient ErrorCode = "SYNC_TRANSIENT" // network failure, timeout, 5xx
	ErrSyncPermanent ErrorCode = "SYNC_PERMANENT" // server rejected the payload (4xx)
	ErrSyncExhausted ErrorCode = "SYNC_EXHAUSTED" // retry ceiling reached

	// Config errors.
	ErrConfig ErrorCode = "CONFIG_INVALID"

	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with a classification code.
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
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

// CodeOf extracts the ErrorCode from an error chain.
// Returns ErrInternal for non-AppError errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsTransient reports whether the error should be retried automatically on the
// next drain pass.
func IsTransient(err error) bool {
	return Is(err, ErrSyncTransient)
}

// IsPermanent reports whether the error will keep failing until the sale data
// itself changes.
func IsPermanent(err error) bool {
	return Is(err, ErrSyncPermanent)
}

// IsStorage reports whether the error came from the local store.
func IsStorage(err error) bool {
	return Is(err, ErrStorage)
}
