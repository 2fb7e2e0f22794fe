// Package apperr defines the error taxonomy shared by the upload, storage,
// configuration and cleanup layers, and the structured body the HTTP layer
// renders for it.
package apperr

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
)

// Kind classifies an error for status mapping and alerting.
type Kind string

const (
	KindValidation     Kind = "VALIDATION_ERROR"
	KindConfiguration  Kind = "CONFIGURATION_ERROR"
	KindFileOperation  Kind = "FILE_OPERATION_ERROR"
	KindDataProcessing Kind = "DATA_PROCESSING_ERROR"
	KindNotFound       Kind = "NOT_FOUND"
	KindInternal       Kind = "INTERNAL_ERROR"
	KindUnauthorized   Kind = "UNAUTHORIZED"
	KindForbidden      Kind = "FORBIDDEN"
	KindRateLimited    Kind = "RATE_LIMITED"
)

// Validation codes returned by the upload validator.
const (
	CodeNoFile              = "NO_FILE"
	CodeUnknownCategory     = "UNKNOWN_CATEGORY"
	CodeUnsupportedFileType = "UNSUPPORTED_FILE_TYPE"
	CodeInvalidMIMEType     = "INVALID_MIME_TYPE"
	CodeContentMismatch     = "CONTENT_MISMATCH"
	CodeEmptyFile           = "EMPTY_FILE"
	CodeFileSizeExceeded    = "FILE_SIZE_EXCEEDED"
	CodeEmptyFilename       = "EMPTY_FILENAME"
	CodeInvalidFilename     = "INVALID_FILENAME"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
)

// Error is an application error carrying a machine-readable code and a
// message safe to show to the caller.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail returns e after setting a detail key.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Status maps the error kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		if e.Code == CodeFileTooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindFileOperation:
		if errors.Is(e.Cause, fs.ErrNotExist) {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDataProcessing:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON shape of every user-facing error.
type Body struct {
	Error     bool           `json:"error"`
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Body converts the error into its response body.
func (e *Error) Body() Body {
	return Body{
		Error:     true,
		ErrorCode: e.Code,
		Message:   e.Message,
		Details:   e.Details,
	}
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation creates a validation error with the given code.
func Validation(code, format string, args ...any) *Error {
	return newError(KindValidation, code, fmt.Sprintf(format, args...))
}

// Configuration creates a configuration error listing the offending keys.
func Configuration(message string, keys ...string) *Error {
	err := newError(KindConfiguration, string(KindConfiguration), message)
	if len(keys) > 0 {
		err.WithDetail("invalid_variables", keys)
	}
	return err
}

// FileOperation wraps an I/O failure on path.
func FileOperation(cause error, operation, path string) *Error {
	err := newError(KindFileOperation, string(KindFileOperation), fmt.Sprintf("%s failed", operation))
	err.Cause = cause
	err.WithDetail("operation", operation)
	if path != "" {
		err.WithDetail("file_path", path)
	}
	return err
}

// DataProcessing wraps a business-logic failure.
func DataProcessing(cause error, operation string) *Error {
	err := newError(KindDataProcessing, string(KindDataProcessing), fmt.Sprintf("%s failed", operation))
	err.Cause = cause
	return err.WithDetail("operation", operation)
}

// NotFound reports a missing resource.
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, "NOT_FOUND", fmt.Sprintf(format, args...))
}

// Internal wraps an unexpected failure behind a generic message.
func Internal(cause error) *Error {
	err := newError(KindInternal, string(KindInternal), "Internal server error")
	err.Cause = cause
	return err
}

// Unauthorized reports missing or invalid credentials.
func Unauthorized(message string) *Error {
	return newError(KindUnauthorized, string(KindUnauthorized), message)
}

// Forbidden reports valid credentials lacking the required role.
func Forbidden(message string) *Error {
	return newError(KindForbidden, string(KindForbidden), message)
}

// RateLimited reports a client exceeding its request budget.
func RateLimited() *Error {
	return newError(KindRateLimited, string(KindRateLimited), "Rate limit exceeded, try again later")
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

// HasCode reports whether err carries an *Error with the given code.
func HasCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}
