// Package apperr defines the failure taxonomy of the evaluation pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies a failure
type Code string

const (
	// CodeMissingInput marks a required input file that does not exist. Never retried.
	CodeMissingInput Code = "MISSING_INPUT"

	// CodeToolExecution marks an external command that failed or produced no output
	CodeToolExecution Code = "TOOL_EXECUTION"

	// CodeCacheInconsistency marks a cached artifact that exists but cannot be loaded
	CodeCacheInconsistency Code = "CACHE_INCONSISTENCY"

	// CodeConfiguration marks invalid configuration or an unavailable tool. Always fatal.
	CodeConfiguration Code = "CONFIGURATION"

	CodeUnknown Code = "UNKNOWN"
)

// Error is a classified pipeline failure
type Error struct {
	Code    Code
	Message string
	Cause   error

	// Transient marks tool failures that may succeed when retried
	Transient bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap classifies err with a code and message
func Wrap(code Code, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

func MissingInput(path string) *Error {
	return New(CodeMissingInput, fmt.Sprintf("required input %s does not exist", path))
}

func ToolExecution(tool string, cause error) *Error {
	return &Error{Code: CodeToolExecution, Message: fmt.Sprintf("%s failed", tool), Cause: cause}
}

func MissingArtifact(tool, path string) *Error {
	return New(CodeToolExecution, fmt.Sprintf("%s produced no output at %s", tool, path))
}

func CacheInconsistency(path string, cause error) *Error {
	return &Error{Code: CodeCacheInconsistency, Message: fmt.Sprintf("cached artifact %s is unreadable", path), Cause: cause}
}

func Configuration(message string) *Error {
	return New(CodeConfiguration, message)
}

// Configurationf formats a configuration error
func Configurationf(format string, args ...interface{}) *Error {
	return New(CodeConfiguration, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of the outermost classified error in the chain
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsTransient reports whether err is a retryable tool failure
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeToolExecution && e.Transient
	}
	return false
}
