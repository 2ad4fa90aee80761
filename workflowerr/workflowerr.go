// Package workflowerr defines the typed error kinds the engine uses to
// propagate failures across the store, retry classifier, step executor, and
// orchestrator without leaking raw storage errors into workflow code.
package workflowerr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classification. Storage
// implementations and the step executor both populate Code so that callers
// across process/transport boundaries can classify an error without string
// matching on Message.
type Code string

const (
	CodeFatal              Code = "FATAL"
	CodeRetryable          Code = "RETRYABLE"
	CodeTransientAPI        Code = "TRANSIENT_API"
	CodeTerminalConflict    Code = "TERMINAL_CONFLICT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeUnsupportedVersion  Code = "UNSUPPORTED_VERSION"
	CodeValidation          Code = "VALIDATION"
)

// Detail is the {message, stack, code} shape persisted as JSON on Run.Error
// and Step.Error, per the data model's error representation.
type Detail struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Classified is satisfied by every error kind this package defines. The
// retry classifier and step executor both type-switch (or errors.As) on it
// instead of comparing error strings.
type Classified interface {
	error
	Code() Code
	// Status is the HTTP status this error maps to when surfaced over
	// httpapi; 0 means "no natural HTTP mapping".
	Status() int
	Detail() Detail
}

// base carries the fields shared by every Classified error.
type base struct {
	message string
	stack   string
	cause   error
}

func (b base) Error() string {
	if b.cause != nil {
		return fmt.Sprintf("%s: %v", b.message, b.cause)
	}
	return b.message
}

func (b base) Unwrap() error { return b.cause }

func (b base) detail(code Code) Detail {
	return Detail{Message: b.message, Stack: b.stack, Code: string(code)}
}

// FatalError signals a step failure the user has explicitly marked
// unrecoverable. The step executor fails the step on the first occurrence,
// without consuming a retry.
type FatalError struct{ base }

// NewFatal constructs a FatalError with the given message.
func NewFatal(message string) *FatalError { return &FatalError{base{message: message}} }

// WrapFatal wraps cause as a FatalError, preserving it via errors.Unwrap.
func WrapFatal(message string, cause error) *FatalError {
	return &FatalError{base{message: message, cause: cause}}
}

func (e *FatalError) Code() Code     { return CodeFatal }
func (e *FatalError) Status() int    { return 0 }
func (e *FatalError) Detail() Detail { return e.detail(CodeFatal) }

// RetryableError signals a step failure the user marked recoverable. An
// optional RetryAfter gates when the step may next run; if zero, the
// executor's default 1s deferral applies.
type RetryableError struct {
	base
	RetryAfterSeconds float64
}

// NewRetryable constructs a RetryableError with an optional retry-after
// delay in seconds (0 means "use the default deferral").
func NewRetryable(message string, retryAfterSeconds float64) *RetryableError {
	return &RetryableError{base: base{message: message}, RetryAfterSeconds: retryAfterSeconds}
}

func (e *RetryableError) Code() Code     { return CodeRetryable }
func (e *RetryableError) Status() int    { return 0 }
func (e *RetryableError) Detail() Detail { return e.detail(CodeRetryable) }

// TransientAPIError represents a 5xx/timeout/rate-limit condition at the
// storage or queue layer. The retry classifier retries idempotent reads on
// this error; non-idempotent calls propagate it to the caller.
type TransientAPIError struct {
	base
	HTTPStatus int
	NetErrCode string
}

// NewTransientAPI constructs a TransientAPIError carrying the originating
// HTTP status (0 if not HTTP) and/or network error code (empty if not a
// network error).
func NewTransientAPI(message string, httpStatus int, netErrCode string, cause error) *TransientAPIError {
	return &TransientAPIError{base: base{message: message, cause: cause}, HTTPStatus: httpStatus, NetErrCode: netErrCode}
}

func (e *TransientAPIError) Code() Code     { return CodeTransientAPI }
func (e *TransientAPIError) Status() int    { return e.HTTPStatus }
func (e *TransientAPIError) Detail() Detail { return e.detail(CodeTransientAPI) }

// TerminalConflictError is raised when an attempted modification targets a
// terminal entity that does not permit it. Surfaces as HTTP 410; the step
// executor treats 410 on its own writes as "run already done, exit silently".
type TerminalConflictError struct{ base }

func NewTerminalConflict(message string) *TerminalConflictError {
	return &TerminalConflictError{base{message: message}}
}

func (e *TerminalConflictError) Code() Code     { return CodeTerminalConflict }
func (e *TerminalConflictError) Status() int    { return 410 }
func (e *TerminalConflictError) Detail() Detail { return e.detail(CodeTerminalConflict) }

// NotFoundError is raised on an entity lookup miss. Surfaces as HTTP 404.
type NotFoundError struct{ base }

func NewNotFound(message string) *NotFoundError { return &NotFoundError{base{message: message}} }

func (e *NotFoundError) Code() Code     { return CodeNotFound }
func (e *NotFoundError) Status() int    { return 404 }
func (e *NotFoundError) Detail() Detail { return e.detail(CodeNotFound) }

// UnsupportedVersionError is raised when an event targets a run whose
// spec_version is newer than this runtime understands.
type UnsupportedVersionError struct{ base }

func NewUnsupportedVersion(message string) *UnsupportedVersionError {
	return &UnsupportedVersionError{base{message: message}}
}

func (e *UnsupportedVersionError) Code() Code     { return CodeUnsupportedVersion }
func (e *UnsupportedVersionError) Status() int    { return 422 }
func (e *UnsupportedVersionError) Detail() Detail { return e.detail(CodeUnsupportedVersion) }

// ValidationError is raised on malformed event data.
type ValidationError struct{ base }

func NewValidation(message string) *ValidationError { return &ValidationError{base{message: message}} }

func (e *ValidationError) Code() Code     { return CodeValidation }
func (e *ValidationError) Status() int    { return 400 }
func (e *ValidationError) Detail() Detail { return e.detail(CodeValidation) }

// AsClassified extracts a Classified error from err, following the Unwrap
// chain. Raw, unclassified errors (e.g. a bare network failure) return
// (nil, false); callers typically treat that as a generic transient error.
func AsClassified(err error) (Classified, bool) {
	var c Classified
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}
