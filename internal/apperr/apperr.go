// Package apperr defines the structured error codes surfaced to callers.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnknownIntent        Code = "UNKNOWN_INTENT"
	CodeMissingContext       Code = "MISSING_CONTEXT"
	CodeInvalidParameters    Code = "INVALID_PARAMETERS"
	CodeForbiddenIntent      Code = "FORBIDDEN_INTENT"
	CodeNotFound             Code = "NOT_FOUND"
	CodeInvalidLineage       Code = "INVALID_LINEAGE"
	CodeInvalidTransition    Code = "INVALID_TRANSITION"
	CodeUnauthorizedMutation Code = "UNAUTHORIZED_MUTATION"
	CodeAlreadyInProgress    Code = "ALREADY_IN_PROGRESS"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeAdapterError         Code = "ADAPTER_ERROR"
	CodeAdapterTimeout       Code = "ADAPTER_TIMEOUT"
	CodeInvalidResult        Code = "INVALID_RESULT"
	CodeCancelled            Code = "CANCELLED"
	CodeInternal             Code = "INTERNAL"
)

// Error is the error envelope every runtime component returns.
type Error struct {
	Code        Code
	Message     string
	ExecutionID string
	Retryable   bool
	Remediation string
	Details     map[string]any
	Err         error
}

func (e *Error) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("%s: %s (execution=%s)", e.Code, e.Message, e.ExecutionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) WithExecution(id string) *Error {
	e.ExecutionID = id
	return e
}

func (e *Error) WithRemediation(format string, args ...any) *Error {
	e.Remediation = fmt.Sprintf(format, args...)
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if ae, ok := AsError(err); ok {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	ae, ok := AsError(err)
	return ok && ae.Code == code
}

func NotFound(kind, id string) *Error {
	return New(CodeNotFound, "%s %s not found", kind, id).WithDetail(kind+"_id", id)
}
