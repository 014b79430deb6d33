// Package apperr defines the closed set of error codes shared across
// every engine component, so callers can errors.Is/errors.As against a
// single error type regardless of which package raised it.
package apperr

import "fmt"

// Kind is the closed set of error codes the engine surfaces across its
// external interface.
type Kind string

const (
	InvalidParams    Kind = "INVALID_PARAMS"
	TaskNotFound     Kind = "TASK_NOT_FOUND"
	ExecutionNotFound Kind = "EXECUTION_NOT_FOUND"
	TemplateNotFound Kind = "TEMPLATE_NOT_FOUND"
	CycleDetected    Kind = "CYCLE_DETECTED"
	InvalidResult    Kind = "INVALID_RESULT"
	AlreadyTerminal  Kind = "ALREADY_TERMINAL"
	Internal         Kind = "INTERNAL"
)

// Error is the single error type returned across package boundaries. It
// wraps a Kind plus an optional underlying cause, and supports
// errors.Is (by Kind) and errors.As.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by Kind, so callers can do
// errors.Is(err, &apperr.Error{Kind: apperr.TaskNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error with the given kind and message.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// otherwise returns Internal.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Internal
}
