package engine

import "github.com/taskforge/engine/apperr"

// Re-exported so existing call sites in this package can keep writing
// engine.ErrExecutionNotFound etc.; the authoritative definitions live
// in apperr, shared by pipeline, workflowstatus, resultstore, and
// examplerunner as well.
type ErrorKind = apperr.Kind

const (
	ErrInvalidParams     = apperr.InvalidParams
	ErrTaskNotFound      = apperr.TaskNotFound
	ErrExecutionNotFound = apperr.ExecutionNotFound
	ErrTemplateNotFound  = apperr.TemplateNotFound
	ErrCycleDetected     = apperr.CycleDetected
	ErrInvalidResult     = apperr.InvalidResult
	ErrAlreadyTerminal   = apperr.AlreadyTerminal
	ErrInternal          = apperr.Internal
)

type EngineError = apperr.Error

// NewError constructs an apperr.Error with the given kind and message.
func NewError(kind ErrorKind, message string, cause error) *EngineError {
	return apperr.New(kind, message, cause)
}

// KindOf extracts the ErrorKind from err.
func KindOf(err error) ErrorKind { return apperr.KindOf(err) }
