// Package apierr defines the unified error type returned to callers.
// Every terminal failure on the dispatch path is mapped to one of these
// before it reaches the response writer.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a caller-facing error. Status selects the HTTP status line,
// Type is the machine-readable class and Code the machine-readable cause;
// both are stable and safe to branch on in clients.
type Error struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s (code=%s, status=%d)", e.Type, e.Message, e.Code, e.Status)
}

// HTTPStatusCode returns the HTTP status for the error.
func (e *Error) HTTPStatusCode() int {
	if e.Status > 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// From returns err as an *Error, wrapping unknown errors as a generic 500
// so internal detail never leaks to callers.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{
		Status:  http.StatusInternalServerError,
		Type:    TypeInternalError,
		Message: "internal server error",
	}
}

// Error types as constants for consistency.
const (
	TypeInvalidRequest     = "invalid_request_error"
	TypeAuthentication     = "authentication_error"
	TypePermissionDenied   = "permission_denied"
	TypeRateLimit          = "rate_limit_exceeded"
	TypeTimeout            = "timeout_error"
	TypeServiceUnavailable = "service_unavailable"
	TypeInternalError      = "internal_error"
)

// Error codes as constants for consistency.
const (
	CodeModelRequired     = "model_required"
	CodeInvalidRequest    = "invalid_request"
	CodeBackendNotFound   = "backend_not_found"
	CodeBackendDisabled   = "backend_disabled"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeModelNotAllowed   = "model_not_allowed"
	CodeAllBackendsAtCap  = "all_backends_at_capacity"
	CodeNoResponseBody    = "no_response_body"
	CodeNoBackend         = "no_backend"
	CodeStoreUnavailable  = "store_unavailable"
	CodeTTFTTimeout       = "ttft_timeout"
	CodeAllBackendsFailed = "all_backends_failed"
)

// NewModelRequired reports a request body without a model field (400).
func NewModelRequired() *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Type:    TypeInvalidRequest,
		Code:    CodeModelRequired,
		Message: "request body must include a model",
	}
}

// NewInvalidRequest reports an unparseable request body (400).
func NewInvalidRequest(message string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Type:    TypeInvalidRequest,
		Code:    CodeInvalidRequest,
		Message: message,
	}
}

// NewBackendNotFound reports an X-Backend-ID that names no backend of the
// model (400). Forced selection is an explicit contract, never a fallback.
func NewBackendNotFound(model, backendID string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Type:    TypeInvalidRequest,
		Code:    CodeBackendNotFound,
		Message: fmt.Sprintf("backend %q not found for model %q", backendID, model),
	}
}

// NewBackendDisabled reports an X-Backend-ID that names a disabled backend (400).
func NewBackendDisabled(model, backendID string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Type:    TypeInvalidRequest,
		Code:    CodeBackendDisabled,
		Message: fmt.Sprintf("backend %q is disabled for model %q", backendID, model),
	}
}

// NewUnauthorized reports a missing, malformed, or unknown bearer token (401).
func NewUnauthorized(message string) *Error {
	return &Error{
		Status:  http.StatusUnauthorized,
		Type:    TypeAuthentication,
		Code:    CodeInvalidAPIKey,
		Message: message,
	}
}

// NewModelNotAllowed reports a model outside the caller's allow-list (403).
func NewModelNotAllowed(model string) *Error {
	return &Error{
		Status:  http.StatusForbidden,
		Type:    TypePermissionDenied,
		Code:    CodeModelNotAllowed,
		Message: fmt.Sprintf("api key is not permitted to use model %q", model),
	}
}

// NewAllBackendsAtCapacity reports that every candidate was denied a
// concurrency slot (429).
func NewAllBackendsAtCapacity(model string) *Error {
	return &Error{
		Status:  http.StatusTooManyRequests,
		Type:    TypeRateLimit,
		Code:    CodeAllBackendsAtCap,
		Message: fmt.Sprintf("all backends for model %q are at capacity", model),
	}
}

// NewNoResponseBody reports a 2xx upstream streaming response with no body (500).
func NewNoResponseBody() *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Type:    TypeInternalError,
		Code:    CodeNoResponseBody,
		Message: "upstream returned no response body",
	}
}

// NewNoBackend reports a model with no enabled backend (503).
func NewNoBackend(model string) *Error {
	return &Error{
		Status:  http.StatusServiceUnavailable,
		Type:    TypeServiceUnavailable,
		Code:    CodeNoBackend,
		Message: fmt.Sprintf("no enabled backend for model %q", model),
	}
}

// NewStoreUnavailable reports an unreachable credential or config store (503).
func NewStoreUnavailable(message string) *Error {
	return &Error{
		Status:  http.StatusServiceUnavailable,
		Type:    TypeServiceUnavailable,
		Code:    CodeStoreUnavailable,
		Message: message,
	}
}

// NewAllBackendsFailed reports that every candidate attempt failed without
// leaving an upstream HTTP response to surface (503).
func NewAllBackendsFailed(model string) *Error {
	return &Error{
		Status:  http.StatusServiceUnavailable,
		Type:    TypeServiceUnavailable,
		Code:    CodeAllBackendsFailed,
		Message: fmt.Sprintf("all backends for model %q failed", model),
	}
}

// NewTTFTTimeout reports that no attempt produced a first byte within its
// configured deadline (504).
func NewTTFTTimeout(model string) *Error {
	return &Error{
		Status:  http.StatusGatewayTimeout,
		Type:    TypeTimeout,
		Code:    CodeTTFTTimeout,
		Message: fmt.Sprintf("no backend for model %q produced a response before its time-to-first-token deadline", model),
	}
}
