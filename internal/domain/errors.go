package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for transport mapping. The same codes appear in
// REST responses and in websocket error frames.
type Code string

const (
	CodeAuthFailed        Code = "AUTH_FAILED"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeValidation        Code = "VALIDATION"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeSafeguard         Code = "SAFEGUARD"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeInternal          Code = "INTERNAL"
)

// Error is a classified domain error. Services return *Error for rule
// violations; infrastructure faults stay plain wrapped errors and map to
// CodeInternal at the transport layer.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// NewError creates a classified error.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Constructors for the common codes.

func ErrAuthFailed(format string, args ...interface{}) *Error {
	return NewError(CodeAuthFailed, format, args...)
}

func ErrPermissionDenied(format string, args ...interface{}) *Error {
	return NewError(CodePermissionDenied, format, args...)
}

func ErrNotFound(format string, args ...interface{}) *Error {
	return NewError(CodeNotFound, format, args...)
}

func ErrConflict(format string, args ...interface{}) *Error {
	return NewError(CodeConflict, format, args...)
}

func ErrValidation(format string, args ...interface{}) *Error {
	return NewError(CodeValidation, format, args...)
}

func ErrInsufficientFunds(format string, args ...interface{}) *Error {
	return NewError(CodeInsufficientFunds, format, args...)
}

func ErrSafeguard(format string, args ...interface{}) *Error {
	return NewError(CodeSafeguard, format, args...)
}

// AsError unwraps err to a *Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// CodeOf returns the classification of err, defaulting to CodeInternal for
// unclassified errors.
func CodeOf(err error) Code {
	if de, ok := AsError(err); ok {
		return de.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAuthFailed:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeSafeguard:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	case CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
