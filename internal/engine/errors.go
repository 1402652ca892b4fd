package engine

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error kind.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeForbidden        Code = "FORBIDDEN"
	CodeInvalidState     Code = "INVALID_STATE"
	CodeUnknownEventType Code = "UNKNOWN_EVENT_TYPE"
	CodeTransitionError  Code = "TRANSITION_ERROR"
	CodeVersionConflict  Code = "VERSION_CONFLICT"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeUnsupported      Code = "UNSUPPORTED"
	CodeOverflow         Code = "OVERFLOW"
	CodeUnderflow        Code = "UNDERFLOW"
	CodeInternal         Code = "INTERNAL"
)

// Error is returned by every engine operation.
type Error struct {
	// Code identifies the error kind.
	Code Code `json:"code"`

	// Message is a human-readable description. It never contains state or
	// event payloads.
	Message string `json:"message"`

	// Op is the operation that failed, e.g. "send_event".
	Op string `json:"op,omitempty"`

	// AutomataID and Version locate the failure when known.
	AutomataID string `json:"automataId,omitempty"`
	Version    string `json:"version,omitempty"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e.AutomataID != "" && e.Version != "":
		return fmt.Sprintf("%s: %s (automata=%s, version=%s)", e.Code, e.Message, e.AutomataID, e.Version)
	case e.AutomataID != "":
		return fmt.Sprintf("%s: %s (automata=%s)", e.Code, e.Message, e.AutomataID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code of the first *Error in err's chain, CodeInternal
// for any other non-nil error, and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func newError(code Code, op, automataID, msg string) *Error {
	return &Error{Code: code, Op: op, AutomataID: automataID, Message: msg}
}

func notFound(op, automataID string) *Error {
	return newError(CodeNotFound, op, automataID, "automata not found")
}

func forbidden(op, automataID string) *Error {
	return newError(CodeForbidden, op, automataID, "caller is not authorized for this automata")
}

func invalidRequest(op, automataID, msg string) *Error {
	return newError(CodeInvalidRequest, op, automataID, msg)
}

func internal(op, automataID string, err error) *Error {
	return &Error{Code: CodeInternal, Op: op, AutomataID: automataID, Message: "internal error", Err: err}
}
