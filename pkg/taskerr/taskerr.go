package taskerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code discriminates error kinds so transports can map them without
// string matching.
type Code string

const (
	CodeCircularDep           Code = "CIRCULAR_DEP"
	CodeMultiRoot             Code = "MULTI_ROOT"
	CodeUnknownRef            Code = "UNKNOWN_REF"
	CodeUserMismatch          Code = "USER_MISMATCH"
	CodePermanentField        Code = "PERMANENT_FIELD"
	CodeDepsLocked            Code = "DEPS_LOCKED"
	CodeDeleteBlocked         Code = "DELETE_BLOCKED"
	CodeInvalidPriority       Code = "INVALID_PRIORITY"
	CodeDuplicateDep          Code = "DUPLICATE_DEP"
	CodeNotFound              Code = "NOT_FOUND"
	CodeForbidden             Code = "FORBIDDEN"
	CodeState                 Code = "STATE_ERROR"
	CodeConflict              Code = "CONFLICT"
	CodeDependencyUnsatisfied Code = "DEPENDENCY_UNSATISFIED"
	CodeInputResolution       Code = "INPUT_RESOLUTION"
	CodeAlreadyRunning        Code = "ALREADY_RUNNING"
	CodeExecutor              Code = "EXECUTOR_ERROR"
	CodeTransport             Code = "TRANSPORT_ERROR"
	CodeNotImplemented        Code = "NOT_IMPLEMENTED"
	CodeInternal              Code = "INTERNAL"
)

// Error is a structured domain error
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	TaskID  string         `json:"task_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s (task %s)", e.Code, e.Message, e.TaskID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches the offending task id.
func (e *Error) WithTask(id string) *Error {
	e.TaskID = id
	return e
}

// WithDetail attaches a named diagnostic value.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NotFound reports a missing task.
func NotFound(id string) *Error {
	return &Error{Code: CodeNotFound, Message: "task not found", TaskID: id}
}

// Forbidden reports a principal/ownership mismatch.
func Forbidden(userID, taskID string) *Error {
	return &Error{
		Code:    CodeForbidden,
		Message: fmt.Sprintf("user %s does not own task", userID),
		TaskID:  taskID,
	}
}

// State reports an operation invalid for the task's current status.
func State(taskID, format string, args ...any) *Error {
	return &Error{Code: CodeState, Message: fmt.Sprintf(format, args...), TaskID: taskID}
}

// DependencyUnsatisfied is the terminal reason recorded on a task whose
// required dependency failed or was cancelled. The error string is the
// task's persisted error field, so its shape is part of the contract.
func DependencyUnsatisfied(depID string) *Error {
	return &Error{
		Code:    CodeDependencyUnsatisfied,
		Message: depID,
	}
}

// DependencyUnsatisfiedMessage renders the persisted error field value.
func DependencyUnsatisfiedMessage(depID string) string {
	return fmt.Sprintf("DEPENDENCY_UNSATISFIED: %s", depID)
}

// CodeOf extracts the Code from err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var v *ValidationErrors
	if errors.As(err, &v) {
		return CodeValidation
	}
	return CodeInternal
}

// CodeValidation marks an aggregated validation failure.
const CodeValidation Code = "VALIDATION"

// ValidationErrors aggregates every violation found in one request.
type ValidationErrors struct {
	Errors []*Error `json:"errors"`
}

// Add appends a violation.
func (v *ValidationErrors) Add(e *Error) {
	v.Errors = append(v.Errors, e)
}

// Empty reports whether no violation was recorded.
func (v *ValidationErrors) Empty() bool {
	return len(v.Errors) == 0
}

// OrNil returns the aggregate as an error, or nil when empty.
func (v *ValidationErrors) OrNil() error {
	if v.Empty() {
		return nil
	}
	return v
}

func (v *ValidationErrors) Error() string {
	msgs := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// HasCode reports whether any aggregated violation carries code.
func (v *ValidationErrors) HasCode(code Code) bool {
	for _, e := range v.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}
