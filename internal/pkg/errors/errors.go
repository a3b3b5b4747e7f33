package errors

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound         = errors.New("resource not found")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrUnauthorized     = errors.New("not authenticated")
	ErrQuotaExceeded    = errors.New("usage quota exceeded")
	ErrValidation       = errors.New("invalid input")
	ErrUpstreamFailure  = errors.New("upstream model failure")
	ErrStoreUnavailable = errors.New("usage store unavailable")
	ErrTooManyStreams   = errors.New("too many concurrent streams")
	ErrClientGone       = errors.New("client disconnected")
)

// Error carries a user-facing message and a machine code next to the cause.
type Error struct {
	Err     error
	Message string
	Code    string
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Wrap(err error, message string) *Error {
	return &Error{
		Err:     err,
		Message: message,
		Code:    CodeOf(err),
	}
}

// Is and As are re-exported so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }

// Join wraps cause under kind so that errors.Is matches both.
func Join(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return errors.Join(kind, cause)
}

// StatusCode maps an error onto the HTTP status the API answers with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooManyStreams):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrUpstreamFailure):
		return http.StatusInternalServerError
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf returns the machine-readable code for err.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code != "" && appErr.Code != "INTERNAL_ERROR" {
		return appErr.Code
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrQuotaExceeded):
		return "QUOTA_EXCEEDED"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrTooManyStreams):
		return "TOO_MANY_STREAMS"
	case errors.Is(err, ErrUpstreamFailure):
		return "UPSTREAM_FAILURE"
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrClientGone):
		return "CLIENT_GONE"
	default:
		return "INTERNAL_ERROR"
	}
}
