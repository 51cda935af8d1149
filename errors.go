package guard

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// Sentinel errors for misconfiguration and misuse.
var (
	// ErrInvalidPolicy is returned by RetryPolicy.Validate.
	ErrInvalidPolicy = errors.New("guard: invalid retry policy")

	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("guard: invalid config")

	// ErrIdempotencyTypeMismatch is returned when a key is replayed into a
	// result type different from the one it was recorded with.
	ErrIdempotencyTypeMismatch = errors.New("guard: idempotency key reused with a different result type")
)

// ErrorKind is the closed set of failure categories every component agrees on.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindForbidden     ErrorKind = "forbidden"
	KindLimitExceeded ErrorKind = "limit_exceeded"
	KindInternal      ErrorKind = "internal"
	KindUnavailable   ErrorKind = "unavailable"
)

// KindInfo is the fixed classification of an ErrorKind.
type KindInfo struct {
	StatusCode int
	Retryable  bool
}

var taxonomy = map[ErrorKind]KindInfo{
	KindValidation:    {StatusCode: http.StatusBadRequest},
	KindNotFound:      {StatusCode: http.StatusNotFound},
	KindConflict:      {StatusCode: http.StatusConflict},
	KindForbidden:     {StatusCode: http.StatusForbidden},
	KindLimitExceeded: {StatusCode: http.StatusTooManyRequests, Retryable: true},
	KindInternal:      {StatusCode: http.StatusInternalServerError},
	KindUnavailable:   {StatusCode: http.StatusServiceUnavailable, Retryable: true},
}

// Classify returns the status code and static retryability of kind.
// Unknown kinds classify as KindInternal.
func Classify(kind ErrorKind) KindInfo {
	if info, ok := taxonomy[kind]; ok {
		return info
	}
	return taxonomy[KindInternal]
}

// Kinds lists every ErrorKind.
func Kinds() []ErrorKind {
	return []ErrorKind{
		KindValidation, KindNotFound, KindConflict, KindForbidden,
		KindLimitExceeded, KindInternal, KindUnavailable,
	}
}

// KindForStatus maps an HTTP status code back onto the taxonomy.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return KindValidation
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusConflict:
		return KindConflict
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindForbidden
	case code == http.StatusTooManyRequests:
		return KindLimitExceeded
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout || code == http.StatusRequestTimeout:
		return KindUnavailable
	case code >= 400 && code < 500:
		return KindValidation
	default:
		return KindInternal
	}
}

// Error is a classified failure. Operations return it (or anything AsError can
// coerce) so retry and breaker logic can decide on Kind without type switches.
type Error struct {
	Kind      ErrorKind
	Message   string
	RequestID string
	Details   map[string]any
	Cause     error

	// Retryable starts as the taxonomy flag for Kind. Rejections produced by
	// this package (open circuit, exhausted rate limit) clear it because the
	// caller should wait for the reset hint, not retry immediately.
	Retryable bool
}

// ErrorOption customizes an Error built by NewError.
type ErrorOption func(*Error)

// WithDetails merges structured detail into the error.
func WithDetails(details map[string]any) ErrorOption {
	return func(e *Error) {
		if e.Details == nil {
			e.Details = make(map[string]any, len(details))
		}
		for k, v := range details {
			e.Details[k] = v
		}
	}
}

// WithCause records the underlying error.
func WithCause(err error) ErrorOption {
	return func(e *Error) {
		e.Cause = err
	}
}

// WithRequestID tags the error with the request it belongs to.
func WithRequestID(id string) ErrorOption {
	return func(e *Error) {
		e.RequestID = id
	}
}

// WithRetryable overrides the taxonomy retryability.
func WithRetryable(retryable bool) ErrorOption {
	return func(e *Error) {
		e.Retryable = retryable
	}
}

// NewError builds a classified error.
//
// Example:
//
//	return guard.NewError(guard.KindNotFound, "task not found",
//	    guard.WithDetails(map[string]any{"taskId": id}))
func NewError(kind ErrorKind, message string, opts ...ErrorOption) *Error {
	if _, ok := taxonomy[kind]; !ok {
		kind = KindInternal
	}
	e := &Error{
		Kind:      kind,
		Message:   message,
		Retryable: Classify(kind).Retryable,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Kind != KindInternal {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// StatusCode returns the status code of the error's kind.
// This implements the HTTPError interface.
func (e *Error) StatusCode() int {
	return Classify(e.Kind).StatusCode
}

// AsError coerces any error into the taxonomy.
//
// Errors that are not recognized become KindInternal with a generic message;
// the original text is kept in Details["cause"] and never surfaces as the
// top-level message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, jperrors.ErrRateLimited):
		return NewError(KindLimitExceeded, "rate limit exceeded", WithCause(err))
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return NewError(KindUnavailable, "dependency unavailable", WithCause(err))
	case errors.Is(err, context.Canceled):
		return internalError(err)
	case errors.Is(err, context.DeadlineExceeded), jperrors.IsTimeout(err):
		return NewError(KindUnavailable, "operation timed out", WithCause(err))
	}

	if code := extractStatusCode(err); code != 0 {
		kind := KindForStatus(code)
		if kind == KindInternal {
			return internalError(err)
		}
		return NewError(kind, http.StatusText(code), WithCause(err))
	}

	return internalError(err)
}

func internalError(err error) *Error {
	return NewError(KindInternal, "internal error",
		WithCause(err),
		WithDetails(map[string]any{"cause": err.Error()}))
}

// KindOf returns the kind AsError assigns to err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}

// IsRetryable reports whether the classified form of err is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return AsError(err).Retryable
}

// HTTPError represents an error with an associated HTTP status code.
// Many HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// extractStatusCode returns the status code carried by err, or 0.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// StatusCodeError wraps an error with an HTTP status code.
// Use this when a collaborator reports failures as bare status codes.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
//
// Example:
//
//	if resp.StatusCode >= 500 {
//	    return guard.NewStatusCodeError(resp.StatusCode, errors.New("store write failed"))
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}
