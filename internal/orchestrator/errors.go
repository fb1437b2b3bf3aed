package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration error.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindInvalidState      Kind = "invalid_state"
	KindInvalidTransition Kind = "invalid_transition"
	KindAlreadyTerminal   Kind = "already_terminal"
	KindValidation        Kind = "validation_error"
	KindExecutionFailure  Kind = "execution_failure"
	KindRollbackFailure   Kind = "rollback_failure"
)

// Code names a specific error condition within a Kind.
type Code string

const (
	CodeConversationInvalidTransition Code = "conversation_invalid_transition"
	CodePlanInvalidTransition         Code = "plan_invalid_transition"
	CodeFileInvalidTransition         Code = "file_invalid_transition"
	CodePlanInvalidStatus             Code = "plan_invalid_status"
	CodePlanNoOperations              Code = "plan_no_operations"
	CodeExecutionInProgress           Code = "execution_in_progress"
	CodeTimeout                       Code = "timeout"
)

// Error is the typed error returned by every orchestrator command.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    Code   `json:"code,omitempty"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind and, when set on target, by Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrAlreadyTerminal   = &Error{Kind: KindAlreadyTerminal}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrExecutionFailure  = &Error{Kind: KindExecutionFailure}
	ErrRollbackFailure   = &Error{Kind: KindRollbackFailure}

	ErrConversationInvalidTransition = &Error{Kind: KindInvalidTransition, Code: CodeConversationInvalidTransition}
	ErrPlanInvalidStatus             = &Error{Kind: KindInvalidState, Code: CodePlanInvalidStatus}
	ErrPlanNoOperations              = &Error{Kind: KindValidation, Code: CodePlanNoOperations}
)

func newError(kind Kind, code Code, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, code Code, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

func notFound(op, what, id string) *Error {
	return newError(KindNotFound, "", op, "%s %q not found", what, id)
}

// KindOf returns the Kind of err, or "" when err is not an orchestrator error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the Code of err, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
