// Package errors defines the relay's error taxonomy and maps it onto wire
// error codes and HTTP statuses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the category of a relay error. Its string value doubles as the
// `code` field of ERROR messages sent to clients.
type ErrorType string

const (
	// TypeNotFound: board id unknown at load time
	TypeNotFound ErrorType = "not_found"
	// TypeValidation: malformed event payload or a limit was hit
	TypeValidation ErrorType = "validation"
	// TypeConflict: duplicate object id
	TypeConflict ErrorType = "conflict"
	// TypeUnavailable: storage collaborator unreachable
	TypeUnavailable ErrorType = "unavailable"
	// TypeDelivery: one subscriber's transport failed
	TypeDelivery ErrorType = "delivery"
	// TypeInternal: anything else
	TypeInternal ErrorType = "internal"
)

// Error is a structured error with a type, message, optional cause and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	case TypeDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage is the text shown to clients. Validation errors carry their
// cause so the client can tell what to fix; other causes stay server-side.
func (e *Error) ClientMessage() string {
	if e.Type == TypeValidation && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// WithContext adds a context field to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// NotFoundError creates a not-found error.
func NotFoundError(message string) *Error {
	return newError(TypeNotFound, message, nil)
}

// ValidationError creates a validation error.
func ValidationError(message string) *Error {
	return newError(TypeValidation, message, nil)
}

// ValidationErrorf creates a validation error wrapping cause.
func ValidationErrorf(message string, cause error) *Error {
	return newError(TypeValidation, message, cause)
}

// ConflictError creates a conflict error.
func ConflictError(message string) *Error {
	return newError(TypeConflict, message, nil)
}

// UnavailableError creates an unavailable error wrapping the storage failure.
func UnavailableError(message string, cause error) *Error {
	return newError(TypeUnavailable, message, cause)
}

// DeliveryError creates a delivery error for a single subscriber.
func DeliveryError(message string, cause error) *Error {
	return newError(TypeDelivery, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// TypeOf returns the ErrorType of the first *Error in err's chain, or
// TypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Type
	}
	return TypeInternal
}

// IsType reports whether err carries a structured error of type t.
func IsType(err error, t ErrorType) bool {
	if err == nil {
		return false
	}
	return TypeOf(err) == t
}

func IsNotFound(err error) bool    { return IsType(err, TypeNotFound) }
func IsValidation(err error) bool  { return IsType(err, TypeValidation) }
func IsConflict(err error) bool    { return IsType(err, TypeConflict) }
func IsUnavailable(err error) bool { return IsType(err, TypeUnavailable) }
func IsDelivery(err error) bool    { return IsType(err, TypeDelivery) }

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error (anywhere in its chain) that one is returned,
// otherwise err is wrapped as an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}

	return InternalError("internal server error", err)
}
