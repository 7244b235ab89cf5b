// Package blockerr defines the canonical error carried by every block,
// the vault, and the policy engine. Failures never surface as bare
// strings or foreign error types; they are converted at the boundary
// into an *Error with a code from the closed set below.
package blockerr

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies the failure kind. Codes drive machine handling
// (retry, surface, fatal) and are never rewritten once assigned.
type Code string

const (
	CodeInputValidationFailed     Code = "INPUT_VALIDATION_FAILED"
	CodeInputTypeMismatch         Code = "INPUT_TYPE_MISMATCH"
	CodeInputRequiredMissing      Code = "INPUT_REQUIRED_MISSING"
	CodeOutputSchemaMismatch      Code = "OUTPUT_SCHEMA_MISMATCH"
	CodeOutputGenerationFailed    Code = "OUTPUT_GENERATION_FAILED"
	CodeDependencyNotFound        Code = "DEPENDENCY_NOT_FOUND"
	CodeDependencyFailed          Code = "DEPENDENCY_FAILED"
	CodeExternalAPIError          Code = "EXTERNAL_API_ERROR"
	CodeExternalTimeout           Code = "EXTERNAL_TIMEOUT"
	CodeExternalRateLimit         Code = "EXTERNAL_RATE_LIMIT"
	CodeBlockNotFound             Code = "BLOCK_NOT_FOUND"
	CodeBlockInitializationFailed Code = "BLOCK_INITIALIZATION_FAILED"
	CodeBlockExecutionFailed      Code = "BLOCK_EXECUTION_FAILED"
	CodeConfigInvalid             Code = "CONFIG_INVALID"
	CodeConfigMissing             Code = "CONFIG_MISSING"
)

var allCodes = map[Code]struct{}{
	CodeInputValidationFailed: {}, CodeInputTypeMismatch: {}, CodeInputRequiredMissing: {},
	CodeOutputSchemaMismatch: {}, CodeOutputGenerationFailed: {},
	CodeDependencyNotFound: {}, CodeDependencyFailed: {},
	CodeExternalAPIError: {}, CodeExternalTimeout: {}, CodeExternalRateLimit: {},
	CodeBlockNotFound: {}, CodeBlockInitializationFailed: {}, CodeBlockExecutionFailed: {},
	CodeConfigInvalid: {}, CodeConfigMissing: {},
}

// Valid reports whether c is one of the canonical codes.
func (c Code) Valid() bool {
	_, ok := allCodes[c]
	return ok
}

// defaultRecoverable derives the retry posture from the code.
// External failures are retryable except rate limiting, which callers
// must handle by backing off at a higher level.
func defaultRecoverable(c Code) bool {
	switch c {
	case CodeExternalAPIError, CodeExternalTimeout:
		return true
	default:
		return false
	}
}

// Error is the structured failure record shared across the engine.
type Error struct {
	Code          Code           `json:"code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	InputSnapshot map[string]any `json:"input_snapshot,omitempty"`
	Hint          string         `json:"hint,omitempty"`
	Recoverable   bool           `json:"recoverable"`
	Timestamp     time.Time      `json:"timestamp"`

	cause error
}

// New creates an Error with the given code and message. Recoverability
// defaults from the code; Timestamp is set to now (UTC).
func New(code Code, message string) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Details:     map[string]any{},
		Recoverable: defaultRecoverable(code),
		Timestamp:   time.Now().UTC(),
	}
}

// Newf is New with fmt-style formatting of the message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches one key to the details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithDetails merges m into the details map.
func (e *Error) WithDetails(m map[string]any) *Error {
	for k, v := range m {
		e.WithDetail(k, v)
	}
	return e
}

// WithHint sets the one-line operator hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithSnapshot records the block inputs present at failure time.
func (e *Error) WithSnapshot(inputs map[string]any) *Error {
	e.InputSnapshot = inputs
	return e
}

// WithRecoverable overrides the code-derived retry posture.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// NewInputError reports a failed validation of a single input field.
func NewInputError(field, reason string, value any) *Error {
	e := New(CodeInputValidationFailed,
		fmt.Sprintf("input validation failed for field %q: %s", field, reason)).
		WithDetail("field", field).
		WithDetail("reason", reason).
		WithHint(fmt.Sprintf("check the %q input and retry", field))
	if value != nil {
		e.WithDetail("value", value)
	}
	return e
}

// NewDependencyError reports a missing runtime dependency (library,
// binary, prior node output).
func NewDependencyError(dependency, reason string) *Error {
	e := New(CodeDependencyNotFound,
		fmt.Sprintf("required dependency not found: %s", dependency)).
		WithDetail("dependency", dependency).
		WithHint(fmt.Sprintf("install or configure %s before running this block", dependency))
	if reason != "" {
		e.WithDetail("reason", reason)
	}
	return e
}

// NewExternalError reports a failure of an external service call.
func NewExternalError(service, reason string) *Error {
	return New(CodeExternalAPIError,
		fmt.Sprintf("external service %s failed: %s", service, reason)).
		WithDetail("service", service).
		WithDetail("reason", reason).
		WithHint("the call may succeed on retry; check service availability")
}

// Wrap converts an arbitrary error into a canonical Error, preserving
// the original type name and text in details and keeping the chain for
// errors.Unwrap. If err already is an *Error it is returned unchanged:
// codes are never mutated on re-raise.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	e := New(code, message).
		WithDetail("original_error", err.Error()).
		WithDetail("original_type", fmt.Sprintf("%T", err))
	e.cause = err
	return e
}

// From extracts the canonical Error from an error chain.
func From(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// CodeOf returns the canonical code of err, or BLOCK_EXECUTION_FAILED
// when err carries none.
func CodeOf(err error) Code {
	if be, ok := From(err); ok {
		return be.Code
	}
	return CodeBlockExecutionFailed
}

// IsRecoverable reports whether err may succeed on retry. Unknown
// errors are treated as non-recoverable.
func IsRecoverable(err error) bool {
	if be, ok := From(err); ok {
		return be.Recoverable
	}
	return false
}
