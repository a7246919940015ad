// Package errors defines the service error taxonomy. Every expected domain
// outcome surfaces as an *Error with a stable code; anything else is wrapped
// as ErrCodeInternal at the boundary where it occurred.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a class of error. Codes are part of the API contract.
type Code string

const (
	ErrCodeUnauthenticated       Code = "UNAUTHENTICATED"
	ErrCodeAuthorizationDenied   Code = "AUTHORIZATION_DENIED"
	ErrCodeFlowNotFound          Code = "FLOW_NOT_FOUND"
	ErrCodeNoMatchingFlow        Code = "NO_MATCHING_FLOW"
	ErrCodeDuplicateRequest      Code = "DUPLICATE_REQUEST"
	ErrCodeInvalidState          Code = "INVALID_STATE"
	ErrCodeNotAuthorizedApprover Code = "NOT_AUTHORIZED_APPROVER"
	ErrCodeCommentRequired       Code = "COMMENT_REQUIRED"
	ErrCodeNotFound              Code = "NOT_FOUND"
	ErrCodeInvalidInput          Code = "INVALID_INPUT"
	ErrCodeConflict              Code = "CONFLICT"
	ErrCodeInternal              Code = "INTERNAL"
)

// Category groups codes for transport-level rendering.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryDomain         Category = "domain"
	CategoryInternal       Category = "internal"
)

// Error is the service error type. Message is safe to show to callers;
// wrapped errors are not.
type Error struct {
	Code    Code
	Message string
	Err     error
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

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a code and formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message while preserving the cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing record of the given kind.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s not found: %s", resource, id)
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// CodeOf extracts the code from err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// MessageOf extracts the caller-safe message from err.
func MessageOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// CategoryOf maps a code onto its transport category.
func CategoryOf(code Code) Category {
	switch code {
	case ErrCodeUnauthenticated:
		return CategoryAuthentication
	case ErrCodeAuthorizationDenied, ErrCodeNotAuthorizedApprover:
		return CategoryAuthorization
	case ErrCodeInternal:
		return CategoryInternal
	default:
		return CategoryDomain
	}
}

// HTTPStatus maps a code onto the equivalent HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeAuthorizationDenied, ErrCodeNotAuthorizedApprover:
		return http.StatusForbidden
	case ErrCodeNotFound, ErrCodeFlowNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateRequest, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeNoMatchingFlow, ErrCodeInvalidState, ErrCodeCommentRequired, ErrCodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
