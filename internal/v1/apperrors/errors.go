// Package apperrors defines the gateway's error taxonomy. Every failure
// surfaced to a socket or an HTTP caller is modeled as an *Error carrying a
// kind, a stable machine code, and an HTTP-family status.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the gateway's failure families.
type Kind string

const (
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not-found"
	KindRateLimit          Kind = "rate-limit"
	KindTimeout            Kind = "timeout"
	KindConnection         Kind = "connection"
	KindMessageDelivery    Kind = "message-delivery"
	KindBackendService     Kind = "backend-service"
	KindConfiguration      Kind = "configuration"
	KindDatabase           Kind = "database"
	KindExternalService    Kind = "external-service"
	KindResourceExhaustion Kind = "resource-exhaustion"
	KindSocketEvent        Kind = "socket-event"
)

// statusFor maps a kind to its canonical HTTP status family.
func statusFor(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConnection, KindMessageDelivery, KindSocketEvent:
		return http.StatusBadGateway
	case KindBackendService, KindExternalService:
		return http.StatusBadGateway
	case KindResourceExhaustion:
		return http.StatusServiceUnavailable
	case KindConfiguration, KindDatabase:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the gateway's typed error. Operational errors are recoverable and
// returned to callers; non-operational errors indicate a programming or
// configuration fault and terminate the process after logging.
type Error struct {
	Kind        Kind           `json:"kind"`
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Operational bool           `json:"-"`
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

// Unwrap exposes the causal chain to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Status returns the canonical HTTP status code for this error.
func (e *Error) Status() int {
	return statusFor(e.Kind)
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithCause attaches a wrapped cause and returns the error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// New creates an operational (recoverable) error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Operational: true}
}

// Fatal creates a non-operational error. Callers must treat it as
// process-terminating after logging.
func Fatal(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Operational: false}
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	if appErr, ok := As(err); ok {
		return appErr.Kind == kind
	}
	return false
}

// --- Canonical constructors ---

func AuthenticationFailed(message string) *Error {
	return New(KindAuthentication, "AUTHENTICATION_FAILED", message)
}

func InvalidTokenFormat() *Error {
	return New(KindAuthentication, "INVALID_TOKEN_FORMAT", "credential is not a well-formed token")
}

func MissingToken() *Error {
	return New(KindAuthentication, "MISSING_TOKEN", "no credential supplied")
}

func Validation(message string) *Error {
	return New(KindValidation, "VALIDATION_ERROR", message)
}

func MissingFields(fields ...string) *Error {
	details := map[string]any{"fields": fields}
	return New(KindValidation, "MISSING_REQUIRED_FIELDS", "required fields are missing").WithDetails(details)
}

func NotFound(what string) *Error {
	return New(KindNotFound, "NOT_FOUND", what+" not found")
}

func RateLimited(message string) *Error {
	return New(KindRateLimit, "RATE_LIMITED", message)
}

func Timeout(message string) *Error {
	return New(KindTimeout, "TIMEOUT", message)
}

func CircuitOpen() *Error {
	return New(KindBackendService, "CIRCUIT_OPEN", "backend circuit is open")
}

func BackendService(message string) *Error {
	return New(KindBackendService, "BACKEND_SERVICE_ERROR", message)
}

func Admission(message string) *Error {
	return New(KindResourceExhaustion, "ADMISSION_DENIED", message)
}
