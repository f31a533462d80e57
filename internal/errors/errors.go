package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error kinds
var (
	ErrValidation            = errors.New("validation failed")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrVerification          = errors.New("payment verification failed")
	ErrNotFound              = errors.New("not found")
	ErrLedger                = errors.New("ledger mutation failed")
	ErrSignature             = errors.New("invalid signature")
	ErrPayload               = errors.New("invalid payload")
	ErrInternal              = errors.New("internal error")
)

// Kind represents the category of error
type Kind string

const (
	KindValidation            Kind = "validation"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindVerification          Kind = "verification"
	KindNotFound              Kind = "not_found"
	KindLedger                Kind = "ledger"
	KindSignature             Kind = "signature"
	KindPayload               Kind = "payload"
	KindInternal              Kind = "internal"
)

// Error is a structured error carrying a stable machine-readable code and a
// human message safe to return to callers.
type Error struct {
	Kind         Kind
	Code         string // e.g. "invalid_device_id_format"
	Message      string // user-facing message
	Status       int    // HTTP status; zero means the default for Kind
	ProviderCode string // payment provider error code, if any
	Err          error  // underlying error, never rendered to clients
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrDependencyUnavailable:
		return e.Kind == KindDependencyUnavailable
	case ErrVerification:
		return e.Kind == KindVerification
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrLedger:
		return e.Kind == KindLedger
	case ErrSignature:
		return e.Kind == KindSignature
	case ErrPayload:
		return e.Kind == KindPayload
	case ErrInternal:
		return e.Kind == KindInternal
	}
	return false
}

// HTTPStatus returns the status the error should be rendered with.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation, KindVerification, KindSignature, KindPayload:
		return http.StatusBadRequest
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WithStatus overrides the HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithProviderCode attaches the payment provider's error code.
func (e *Error) WithProviderCode(code string) *Error {
	e.ProviderCode = code
	return e
}

// Helper functions

// Validation returns a client-input error (400).
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// DependencyUnavailable reports an uninitialized collaborator (503).
func DependencyUnavailable(code, message string) *Error {
	return &Error{Kind: KindDependencyUnavailable, Code: code, Message: message}
}

// Verification reports a payment that could not be verified or is not paid.
func Verification(code, message string, err error) *Error {
	return &Error{Kind: KindVerification, Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource (404).
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// Ledger wraps a storage mutation failure (500).
func Ledger(op string, err error) *Error {
	return &Error{
		Kind:    KindLedger,
		Code:    "ledger_error",
		Message: "Failed to update device state; the purchase can be confirmed again safely",
		Err:     fmt.Errorf("%s: %w", op, err),
	}
}

// Signature reports a webhook whose signature could not be authenticated.
func Signature(message string, err error) *Error {
	return &Error{Kind: KindSignature, Code: "invalid_signature", Message: message, Err: err}
}

// Payload reports a webhook body that could not be decoded.
func Payload(message string, err error) *Error {
	return &Error{Kind: KindPayload, Code: "invalid_payload", Message: message, Err: err}
}

// Internal wraps an unexpected failure. The message is generic on purpose.
func Internal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    "internal_server_error",
		Message: "An unexpected error occurred",
		Err:     err,
	}
}

// As extracts the structured error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the error kind, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of err, or "internal_server_error".
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return "internal_server_error"
}

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindDependencyUnavailable, KindLedger, KindInternal:
		return true
	default:
		return false
	}
}

// ErrorResponse is the uniform JSON error body.
type ErrorResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	ProviderCode string `json:"provider_code,omitempty"`
}

// Response returns the status and body err should be rendered with. Untyped
// errors become a generic internal error that carries no detail.
func Response(err error) (int, ErrorResponse) {
	e, ok := As(err)
	if !ok {
		e = Internal(err)
	}
	return e.HTTPStatus(), ErrorResponse{
		Error:        e.Code,
		Message:      e.Message,
		ProviderCode: e.ProviderCode,
	}
}
