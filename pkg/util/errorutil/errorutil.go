package errorutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error codes shared by the engine and the HTTP facade.
const (
	CodeTransientNetwork    = "TRANSIENT_NETWORK"
	CodeValidation          = "VALIDATION_FAILED"
	CodePartialBatchFailure = "PARTIAL_BATCH_FAILURE"
	CodeConflictState       = "CONFLICT_STATE"
	CodeStaleEvent          = "STALE_EVENT"
	CodeNotFound            = "NOT_FOUND"
	CodeInternal            = "INTERNAL_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Retryable  bool
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

// NewTransientNetworkError marks a failed remote call that the operator may retry.
func NewTransientNetworkError(message string, err error) error {
	return &DomainError{
		Code:       CodeTransientNetwork,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Err:        err,
	}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

// NewPartialBatchFailure reports a bulk operation where some items failed.
func NewPartialBatchFailure(failed, total int, details map[string]any) error {
	return NewDomainError(CodePartialBatchFailure,
		fmt.Sprintf("%d of %d items failed", failed, total),
		http.StatusMultiStatus, details)
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func NewConflictState(message string, details map[string]any) error {
	return NewDomainError(CodeConflictState, message, http.StatusConflict, details)
}

// NewStaleEvent describes an inbound record older than cached state. It is
// never surfaced to operators.
func NewStaleEvent(ticketID string) error {
	return NewDomainError(CodeStaleEvent, "stale event discarded", http.StatusOK,
		map[string]any{"ticket_id": ticketID})
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if isNetworkError(err) {
		if de, ok := NewTransientNetworkError("remote call failed", err).(*DomainError); ok {
			return de
		}
	}
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// MapError returns err as a DomainError, preserving nil.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	return ToDomainError(err)
}

// IsKind reports whether err carries the given code.
func IsKind(err error, code string) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// FromHTTP classifies a remote response. A zero status means the request
// never produced a response.
func FromHTTP(status int, message string, err error) error {
	if message == "" {
		message = http.StatusText(status)
	}
	switch {
	case status == 0:
		return NewTransientNetworkError("remote service unreachable", err)
	case status == http.StatusTooManyRequests || status >= 500:
		return NewTransientNetworkError(message, err)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		de := NewDomainError(CodeValidation, message, http.StatusBadRequest, nil)
		de.Err = err
		return de
	case status == http.StatusNotFound:
		de := NewDomainError(CodeNotFound, message, http.StatusNotFound, nil)
		de.Err = err
		return de
	case status == http.StatusConflict:
		de := NewDomainError(CodeConflictState, message, http.StatusConflict, nil)
		de.Err = err
		return de
	case status >= 400:
		de := NewDomainError(CodeInternal, message, http.StatusBadGateway, map[string]any{"remote_status": status})
		de.Err = err
		return de
	}
	return nil
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
