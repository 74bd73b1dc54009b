// Package negotiation is the HTTP client for quote negotiation operations:
// change application, acceptance proposals and decisions. Every transport
// or HTTP failure is mapped into the closed error taxonomy below before it
// reaches callers.
package negotiation

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a failed negotiation operation.
type ErrorCode string

const (
	// ErrCodeUnauthorized maps 401: missing or expired credentials.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrCodeNotParticipant maps 403: caller is not in the quote's chat.
	ErrCodeNotParticipant ErrorCode = "NOT_PARTICIPANT"
	// ErrCodeNotFound maps 404: quote, change or acceptance missing.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeInvalidData maps 400 and local validation failures.
	ErrCodeInvalidData ErrorCode = "INVALID_DATA"
	// ErrCodeVersionConflict maps 409: the If-Match version was stale.
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"
	// ErrCodeServerError maps 500.
	ErrCodeServerError ErrorCode = "SERVER_ERROR"
	// ErrCodeNetworkError covers timeouts and transport-level failures.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"
)

// Error is the structured error returned by every Service operation.
type Error struct {
	Code    ErrorCode
	Status  int // HTTP status, 0 for local/transport failures
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("negotiation: [%s] %d: %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("negotiation: [%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a retry with the same idempotency key may
// succeed. Conflicts and validation failures never do.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeNetworkError, ErrCodeServerError:
		return true
	default:
		return false
	}
}

// CodeOf extracts the taxonomy code from err, or ErrCodeNetworkError when
// err is not a negotiation error.
func CodeOf(err error) ErrorCode {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Code
	}
	return ErrCodeNetworkError
}

func invalid(format string, args ...any) *Error {
	return &Error{Code: ErrCodeInvalidData, Message: fmt.Sprintf(format, args...)}
}

func network(op string, cause error) *Error {
	return &Error{Code: ErrCodeNetworkError, Message: op, Cause: cause}
}

func fromStatus(status int, body string) *Error {
	code := ErrCodeNetworkError
	switch status {
	case http.StatusUnauthorized:
		code = ErrCodeUnauthorized
	case http.StatusForbidden:
		code = ErrCodeNotParticipant
	case http.StatusNotFound:
		code = ErrCodeNotFound
	case http.StatusBadRequest:
		code = ErrCodeInvalidData
	case http.StatusConflict:
		code = ErrCodeVersionConflict
	case http.StatusInternalServerError:
		code = ErrCodeServerError
	}
	return &Error{Code: code, Status: status, Message: body}
}
