package executor

import (
	"errors"
	"fmt"

	"github.com/orbitflow/engine/internal/types"
)

// Error is a user-visible failure: a stable identifier suitable for
// programmatic matching plus a human message. User exceptions, task failures
// and timeouts all surface as *Error.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// NewError builds a user-visible failure.
func NewError(name, message string) *Error {
	return &Error{Name: name, Message: message}
}

// SystemError marks engine contract violations. A system error is fatal for
// the execution and stops event draining immediately.
type SystemError struct {
	Name    string
	Message string
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// NewDeterminismError builds the fatal replay-mismatch error.
func NewDeterminismError(format string, args ...any) *SystemError {
	return &SystemError{Name: types.ErrorDeterminism, Message: fmt.Sprintf(format, args...)}
}

// toWorkflowError extracts a stable identifier and message from an error
// returned by user code. Host error types are never relied on for replay.
func toWorkflowError(err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	return &Error{Name: fmt.Sprintf("%T", err), Message: err.Error()}
}

// panicToError converts a recovered panic value into a user-visible failure.
func panicToError(v any) *Error {
	switch e := v.(type) {
	case *Error:
		return e
	case error:
		return &Error{Name: fmt.Sprintf("%T", e), Message: e.Error()}
	default:
		return &Error{Name: "Panic", Message: fmt.Sprint(v)}
	}
}
