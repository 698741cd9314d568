// Package errors provides structured error handling for the cache pipeline.
// Error kinds map directly to the behaviors in the error-handling design:
// every kind carries its own HTTP status and its own cache-write policy.
package errors

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies one of the pipeline's error kinds.
type ErrorCode string

const (
	// CodeClientMalformed covers missing/duplicated smartstack headers and
	// invalid purge arguments.
	CodeClientMalformed ErrorCode = "CLIENT_MALFORMED"
	// CodeConfigMissing covers an absent destination config.
	CodeConfigMissing ErrorCode = "CONFIG_MISSING"
	// CodeUpstreamTransport covers connection/timeout/other transport
	// failure talking to the upstream service.
	CodeUpstreamTransport ErrorCode = "UPSTREAM_TRANSPORT"
	// CodeUpstreamNon2xx covers a successfully-transported but non-2xx
	// upstream response.
	CodeUpstreamNon2xx ErrorCode = "UPSTREAM_NON_2XX"
	// CodeStorageRead covers a storage-backend read failure (treated as miss).
	CodeStorageRead ErrorCode = "STORAGE_READ"
	// CodeStorageWrite covers a storage-backend write failure (logged only).
	CodeStorageWrite ErrorCode = "STORAGE_WRITE"
	// CodeMiddlewareInternal covers an uncaught error from a filter or
	// middleware (FilterError / MiddlewareInternal in the design).
	CodeMiddlewareInternal ErrorCode = "MIDDLEWARE_INTERNAL"
)

// AppError is a structured error carrying the information the pipeline
// driver needs to decide a status code and a cache-write policy.
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Cause      error                  `json:"-"`
	StackTrace string                 `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// StatusCode returns the HTTP status this error kind should produce when
// it reaches the client, per the error-handling design.
func (e *AppError) StatusCode() int {
	switch e.Code {
	case CodeClientMalformed:
		return http.StatusBadRequest
	case CodeConfigMissing:
		return http.StatusInternalServerError
	case CodeUpstreamTransport:
		// Callers that already synthesized 502/504/500 via the upstream
		// client's own classification should use that value directly;
		// this is the fallback for an unclassified transport error.
		return http.StatusBadGateway
	case CodeUpstreamNon2xx:
		return http.StatusOK // forwarded verbatim; caller supplies the real code
	case CodeStorageRead, CodeStorageWrite:
		return http.StatusOK // never surfaced to the client
	case CodeMiddlewareInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// New creates a new AppError of the given kind, capturing a stack trace.
func New(code ErrorCode, message, details string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Details:    details,
		StackTrace: getStackTrace(),
	}
}

// NewClientMalformed builds a ClientMalformed error, 400 to the client.
func NewClientMalformed(message string) *AppError {
	return New(CodeClientMalformed, message, "")
}

// NewConfigMissing builds a ConfigMissing error for an absent destination.
func NewConfigMissing(destination string) *AppError {
	return New(CodeConfigMissing, "destination config not found", destination).
		WithMetadata("destination", destination)
}

// NewUpstreamTransport wraps a transport-level failure reaching upstream.
func NewUpstreamTransport(uri string, cause error) *AppError {
	return New(CodeUpstreamTransport, "upstream transport failure", uri).WithCause(cause)
}

// NewUpstreamNon2xx records a forwarded non-2xx upstream response.
func NewUpstreamNon2xx(status int) *AppError {
	return New(CodeUpstreamNon2xx, "upstream returned non-2xx", fmt.Sprintf("status code is %d", status)).
		WithMetadata("status", status)
}

// NewStorageRead wraps a storage read failure; callers MUST treat this as a
// miss and suppress any write-through on the same request.
func NewStorageRead(cause error) *AppError {
	return New(CodeStorageRead, "storage read failed", "").WithCause(cause)
}

// NewStorageWrite wraps a storage write failure; callers log and discard.
func NewStorageWrite(cause error) *AppError {
	return New(CodeStorageWrite, "storage write failed", "").WithCause(cause)
}

// NewMiddlewareInternal wraps an uncaught filter/middleware panic or error.
func NewMiddlewareInternal(cause error) *AppError {
	return New(CodeMiddlewareInternal, "middleware internal error", "").WithCause(cause)
}

// Wrap coerces any error into an AppError, defaulting to MiddlewareInternal.
func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewMiddlewareInternal(err)
}

// Is reports whether err is an AppError of the given code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

func getStackTrace() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "pkg/errors") {
			fmt.Fprintf(&b, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}
	return b.String()
}

// ErrorResponse is the JSON error envelope the pipeline driver writes for
// a malformed-smartstack-header 400.
type ErrorResponse struct {
	Error ErrorDetails `json:"error"`
}

// ErrorDetails carries the fields serialized in an ErrorResponse.
type ErrorDetails struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// ToErrorResponse converts an AppError into the API error envelope.
func ToErrorResponse(err *AppError, requestID string) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetails{
			Code:      err.Code,
			Message:   err.Message,
			Details:   err.Details,
			Metadata:  err.Metadata,
			RequestID: requestID,
			Timestamp: fmt.Sprintf("%d", time.Now().Unix()),
		},
	}
}
