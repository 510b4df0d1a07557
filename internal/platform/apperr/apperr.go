// Package apperr defines the stable error codes surfaced to API clients.
//
// Every token, consent and access failure is reported with a Code so callers
// can branch on the kind of failure without parsing messages. Errors that are
// not *Error values are treated as internal and never shown to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeTokenExpired           Code = "TOKEN_EXPIRED"
	CodeTokenRevoked           Code = "TOKEN_REVOKED"
	CodeTokenSignatureInvalid  Code = "TOKEN_SIGNATURE_INVALID"
	CodeTokenTampered          Code = "TOKEN_TAMPERED"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeConsentNotApproved     Code = "CONSENT_NOT_APPROVED"
	CodeLedgerUnavailable      Code = "LEDGER_UNAVAILABLE"
	CodeAuditWriteFailed       Code = "AUDIT_WRITE_FAILED"
	CodeInsufficientScope      Code = "INSUFFICIENT_SCOPE"
	CodeRecordNotFound         Code = "RECORD_NOT_FOUND"
	CodeValidationFailed       Code = "VALIDATION_FAILED"
	CodeNotFound               Code = "NOT_FOUND"
	CodeForbidden              Code = "FORBIDDEN"
	CodeUnauthenticated        Code = "UNAUTHENTICATED"
	CodeServiceUnavailable     Code = "SERVICE_UNAVAILABLE"
)

// Error is a classified application error.
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

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code, so sentinel
// values below can be matched with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is matching.
var (
	ErrTokenExpired           = &Error{Code: CodeTokenExpired, Message: "token has expired"}
	ErrTokenRevoked           = &Error{Code: CodeTokenRevoked, Message: "token has been revoked"}
	ErrTokenSignatureInvalid  = &Error{Code: CodeTokenSignatureInvalid, Message: "token signature is invalid"}
	ErrTokenTampered          = &Error{Code: CodeTokenTampered, Message: "token payload does not match its anchored hash"}
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition, Message: "invalid state transition"}
	ErrConsentNotApproved     = &Error{Code: CodeConsentNotApproved, Message: "no approved consent covers this access"}
	ErrLedgerUnavailable      = &Error{Code: CodeLedgerUnavailable, Message: "hash ledger unavailable"}
	ErrAuditWriteFailed       = &Error{Code: CodeAuditWriteFailed, Message: "access could not be audited"}
	ErrInsufficientScope      = &Error{Code: CodeInsufficientScope, Message: "insufficient scope for this action"}
	ErrRecordNotFound         = &Error{Code: CodeRecordNotFound, Message: "medical record not found"}
	ErrValidationFailed       = &Error{Code: CodeValidationFailed, Message: "validation failed"}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
	ErrForbidden              = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrUnauthenticated        = &Error{Code: CodeUnauthenticated, Message: "authentication required"}
	ErrServiceUnavailable     = &Error{Code: CodeServiceUnavailable, Message: "service temporarily unavailable"}
)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Validation is shorthand for a VALIDATION_FAILED error.
func Validation(format string, args ...any) *Error {
	return Newf(CodeValidationFailed, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeServiceUnavailable when err carries no classification.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeServiceUnavailable
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}

// HTTPStatus maps a code to the status code returned to clients.
func HTTPStatus(code Code) int {
	switch code {
	case CodeTokenExpired, CodeTokenRevoked, CodeTokenSignatureInvalid, CodeTokenTampered, CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeConsentNotApproved, CodeInsufficientScope, CodeForbidden, CodeAuditWriteFailed:
		return http.StatusForbidden
	case CodeInvalidStateTransition:
		return http.StatusConflict
	case CodeRecordNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeValidationFailed:
		return http.StatusBadRequest
	case CodeLedgerUnavailable, CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
