package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on the error code so clones and wraps of a sentinel still compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound     = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden    = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict     = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation   = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal     = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss    = New("CACHE_MISS", http.StatusNotFound, "cache miss")
	ErrUnavailable  = New("SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, "service temporarily unavailable")

	// Evaluation lifecycle.
	ErrInvalidState      = New("INVALID_STATE", http.StatusConflict, "recording is not in an evaluable state")
	ErrAlreadyInProgress = New("ALREADY_IN_PROGRESS", http.StatusConflict, "recording evaluation already in progress")
	ErrAlreadyScored     = New("ALREADY_SCORED", http.StatusConflict, "recording already scored")

	// Scorer failures.
	ErrScorerTimeout         = New("SCORER_TIMEOUT", http.StatusGatewayTimeout, "scorer timed out")
	ErrScorerUnavailable     = New("SCORER_UNAVAILABLE", http.StatusBadGateway, "scorer unavailable")
	ErrScorerResponseInvalid = New("SCORER_RESPONSE_INVALID", http.StatusBadGateway, "scorer returned an invalid response")

	// Ledger and commit integrity. These indicate invariants at risk.
	ErrDuplicateIssuance    = New("DUPLICATE_ISSUANCE", http.StatusInternalServerError, "reward token already issued")
	ErrCommitPartialFailure = New("COMMIT_PARTIAL_FAILURE", http.StatusInternalServerError, "evaluation result could not be committed")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// WrapAs wraps err under the code and status of the given sentinel.
func WrapAs(sentinel *Error, err error, message string) *Error {
	if message == "" {
		message = sentinel.Message
	}
	return Wrap(err, sentinel.Code, sentinel.Status, message)
}

// Code returns the error code carried by err, or "" for untyped errors.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a transport-level scorer failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrScorerTimeout) || errors.Is(err, ErrScorerUnavailable)
}

// IsRetryableCode is IsRetryable for a persisted failure code.
func IsRetryableCode(code string) bool {
	return code == ErrScorerTimeout.Code || code == ErrScorerUnavailable.Code
}
