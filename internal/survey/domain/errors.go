package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced by the survey core.
type ErrorCode string

const (
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodeInvalidIndex     ErrorCode = "INVALID_INDEX"
	CodeInvalidAnswer    ErrorCode = "INVALID_ANSWER"
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDecode           ErrorCode = "DECODE_ERROR"
	// CodeAlreadyCompleted is returned when a finished survey is mutated.
	CodeAlreadyCompleted ErrorCode = "ALREADY_COMPLETED"
	CodeWindowClosed     ErrorCode = "WINDOW_CLOSED"
)

// Error is the structured error type shared by services and repositories.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthenticated  = &Error{Code: CodeUnauthenticated, Message: "no current user"}
	ErrInvalidIndex     = &Error{Code: CodeInvalidIndex, Message: "question index out of range"}
	ErrInvalidAnswer    = &Error{Code: CodeInvalidAnswer, Message: "answer rejected"}
	ErrStoreUnavailable = &Error{Code: CodeStoreUnavailable, Message: "document store unavailable"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrDecode           = &Error{Code: CodeDecode, Message: "malformed document"}
	ErrAlreadyCompleted = &Error{Code: CodeAlreadyCompleted, Message: "survey already completed"}
	ErrWindowClosed     = &Error{Code: CodeWindowClosed, Message: "survey is not accepting responses"}
)

func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func InvalidIndex(index, count int) *Error {
	return NewError(CodeInvalidIndex, fmt.Sprintf("question index %d outside [0,%d)", index, count), nil)
}

func InvalidAnswer(format string, args ...any) *Error {
	return NewError(CodeInvalidAnswer, fmt.Sprintf(format, args...), nil)
}

func NotFound(kind, id string) *Error {
	return NewError(CodeNotFound, fmt.Sprintf("%s %q not found", kind, id), nil)
}

func StoreUnavailable(op string, cause error) *Error {
	return NewError(CodeStoreUnavailable, op, cause)
}

// DecodeError reports a stored document that does not match its schema.
type DecodeError struct {
	Collection string
	ID         string
	Cause      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode %s/%s: %v", CodeDecode, e.Collection, e.ID, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

func (e *DecodeError) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == CodeDecode
	}
	return false
}

// CodeOf extracts the error code, defaulting to STORE_UNAVAILABLE for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return CodeDecode
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeStoreUnavailable
}
