package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the wire-level error taxonomy shared by every endpoint.
type ErrorCode string

const (
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeNoBrowser       ErrorCode = "NO_BROWSER"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeInvalidResponse ErrorCode = "INVALID_RESPONSE"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeInternal        ErrorCode = "INTERNAL"
)

// HTTPStatus maps an error code to its HTTP status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNoBrowser:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeInvalidResponse:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// RelayError carries an error code alongside a human-readable message.
type RelayError struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *RelayError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RelayError) Unwrap() error { return e.cause }

// NewError creates a RelayError with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *RelayError {
	return &RelayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a RelayError that wraps an underlying cause.
func WrapError(code ErrorCode, cause error, message string) *RelayError {
	return &RelayError{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the error code from err, defaulting to INTERNAL.
func CodeOf(err error) ErrorCode {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeInternal
}
