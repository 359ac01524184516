// Package aperr defines the error taxonomy shared by every fallible
// operation in the control plane. Callers receive a stable machine-readable
// code plus structured details; internal causes stay wrapped for logs.
package aperr

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies an error class surfaced to callers.
type Code string

// Error classes, ordered roughly by how a caller should react.
const (
	CodeValidation    Code = "validation"
	CodeAuthorization Code = "authorization"
	CodeState         Code = "state"
	CodePolicy        Code = "policy"
	CodeCapacity      Code = "capacity"
	CodeUpstream      Code = "upstream"
	CodeTransient     Code = "transient"
	CodeFatal         Code = "fatal"
	CodeNotFound      Code = "not_found"
)

// Error carries the taxonomy code, a human message, and class-specific
// details. It wraps the underlying cause when one exists.
type Error struct {
	Code    Code
	Message string

	// Violations is populated for policy errors.
	Violations []string
	// Remaining is populated for capacity errors (decimal string).
	Remaining string
	// CurrentState and ExpectedStates are populated for state errors.
	CurrentState   string
	ExpectedStates []string
	// RetryAfter hints when a transient condition may clear.
	RetryAfter time.Duration
	// ServedBy records which execution path produced an upstream error.
	ServedBy string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error for logging without changing the
// caller-visible code or message.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// CodeOf extracts the taxonomy code from err, or CodeFatal when err carries
// no classification.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeFatal
}

// As unwraps err into a taxonomy error, if it is one.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}

// Validationf reports malformed or missing input.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Authorizationf reports an invalid, paused, or mismatched principal.
func Authorizationf(format string, args ...any) *Error {
	return &Error{Code: CodeAuthorization, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf reports a missing entity.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// State reports an illegal transition attempt. current is the state the
// entity was actually in; expected lists the states the operation accepts.
func State(message, current string, expected ...string) *Error {
	return &Error{Code: CodeState, Message: message, CurrentState: current, ExpectedStates: expected}
}

// Policy reports rule violations. The violation list is part of the
// caller-visible contract.
func Policy(violations []string) *Error {
	return &Error{
		Code:       CodePolicy,
		Message:    fmt.Sprintf("proposal violates %d rule(s)", len(violations)),
		Violations: violations,
	}
}

// Capacity reports insufficient budget, carrying the remaining amount.
func Capacity(message, remaining string) *Error {
	return &Error{Code: CodeCapacity, Message: message, Remaining: remaining}
}

// Upstream reports an execution backend failure, annotated with the path
// that served the attempt.
func Upstream(message, servedBy string, cause error) *Error {
	return &Error{Code: CodeUpstream, Message: message, ServedBy: servedBy, cause: cause}
}

// Transient reports a retryable condition such as an open breaker or a
// timeout. RetryAfter may be zero when no hint is available.
func Transient(message string, retryAfter time.Duration) *Error {
	return &Error{Code: CodeTransient, Message: message, RetryAfter: retryAfter}
}

// Fatalf reports a terminal failure after retries are exhausted.
func Fatalf(format string, args ...any) *Error {
	return &Error{Code: CodeFatal, Message: fmt.Sprintf(format, args...)}
}
