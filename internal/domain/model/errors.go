package model

import (
	"errors"
	"fmt"
)

// Code is a stable, caller-visible error code. Retryability is a property of
// the typed error, never of message content.
type Code string

const (
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeSanitization    Code = "SANITIZATION_ERROR"
	CodeReplayWindow    Code = "REPLAY_WINDOW_VIOLATION"
	CodeCircuitOpen     Code = "CIRCUIT_OPEN"
	CodePaused          Code = "PROCESSING_PAUSED"
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeUnknownStrategy Code = "UNKNOWN_STRATEGY"
	CodeStrategyPaused  Code = "STRATEGY_PAUSED"
	CodePositionExists  Code = "POSITION_EXISTS"
	CodeNoOpenPosition  Code = "NO_OPEN_POSITION"
	CodeStoreError      Code = "STORE_ERROR"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// PipelineError carries the code and retry classification through the
// pipeline. Only store/transient failures are retryable; admission and
// classification errors reflect caller state and fail immediately.
type PipelineError struct {
	Code      Code
	Retryable bool
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Reject wraps err as a non-retryable pipeline error.
func Reject(code Code, err error) *PipelineError {
	return &PipelineError{Code: code, Retryable: false, Err: err}
}

// Rejectf is Reject with a formatted message.
func Rejectf(code Code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Retryable: false, Err: fmt.Errorf(format, args...)}
}

// Transient wraps a store/infrastructure failure as retryable.
func Transient(err error) *PipelineError {
	return &PipelineError{Code: CodeStoreError, Retryable: true, Err: err}
}

// IsRetryable reports whether err (or anything it wraps) is a retryable
// pipeline error. Unknown errors are not retried.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// CodeOf extracts the stable code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}
