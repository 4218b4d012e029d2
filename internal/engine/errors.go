package engine

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine failures.
type ErrorCode string

const (
	// ErrCodeSchema marks input/output validation failures, tagged with the
	// failing context (step id plus direction, or the workflow boundary).
	ErrCodeSchema ErrorCode = "schema_validation"

	// ErrCodeAborted marks cancellation observed by the engine.
	ErrCodeAborted ErrorCode = "aborted"

	// ErrCodeExecution marks structural execution failures: unknown step
	// ids, a resolved next outside the graph, an exceeded iteration bound,
	// a failed concurrent child, or caller misuse such as double Start.
	ErrCodeExecution ErrorCode = "execution"

	// ErrCodeBranchResolution marks a resolved branch id with no configured
	// target, or a branch outcome on a step with no branch map.
	ErrCodeBranchResolution ErrorCode = "branch_resolution"

	// ErrCodeResume marks a resume request with no or mismatched pending
	// suspension.
	ErrCodeResume ErrorCode = "resume"
)

// Error is the engine's error type. Every failure surfaced through a
// RunResult or returned from an engine entry point is an *Error carrying a
// code, the step it concerns when applicable, and the causal error.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	StepID  string    `json:"step_id,omitempty"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e.StepID != "" && e.Cause != nil:
		return fmt.Sprintf("%s [step: %s]: %s: %v", e.Code, e.StepID, e.Message, e.Cause)
	case e.StepID != "":
		return fmt.Sprintf("%s [step: %s]: %s", e.Code, e.StepID, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the causal error for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

func newSchemaError(tag string, cause error) *Error {
	return &Error{Code: ErrCodeSchema, Message: tag + " validation failed", Cause: cause}
}

func newAbortError(cause error) *Error {
	return &Error{Code: ErrCodeAborted, Message: "run was cancelled", Cause: cause}
}

func newExecutionError(stepID, msg string, cause error) *Error {
	return &Error{Code: ErrCodeExecution, Message: msg, StepID: stepID, Cause: cause}
}

func newBranchError(stepID, msg string) *Error {
	return &Error{Code: ErrCodeBranchResolution, Message: msg, StepID: stepID}
}

func newResumeError(msg string) *Error {
	return &Error{Code: ErrCodeResume, Message: msg}
}

// asEngineError normalizes an arbitrary error into *Error, wrapping foreign
// errors (typically from step handlers) under the execution code.
func asEngineError(stepID string, err error) *Error {
	var ee *Error
	if errors.As(err, &ee) {
		return ee
	}
	return newExecutionError(stepID, "step execution failed", err)
}

// HasCode reports whether err is (or wraps) an engine *Error with the given
// code.
func HasCode(err error, code ErrorCode) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Code == code
}
