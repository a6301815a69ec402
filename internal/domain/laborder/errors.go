package laborder

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies lifecycle and lookup failures.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindInvalidState     ErrorKind = "invalid_state"
	KindInvalidMethod    ErrorKind = "invalid_method"
	KindIncompleteFields ErrorKind = "incomplete_fields"
	KindMissingDocument  ErrorKind = "missing_document"
	KindMissingLabName   ErrorKind = "missing_lab_name"
	KindMissingReason    ErrorKind = "missing_reason"
	KindInvalidCommand   ErrorKind = "invalid_command"
)

// Error is the discriminated error returned by the engine. Missing is only
// populated for KindIncompleteFields.
type Error struct {
	Kind    ErrorKind
	Message string
	Missing []string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches on kind so callers can use errors.Is(err, ErrInvalidState).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrInvalidMethod    = &Error{Kind: KindInvalidMethod}
	ErrIncompleteFields = &Error{Kind: KindIncompleteFields}
	ErrMissingDocument  = &Error{Kind: KindMissingDocument}
	ErrMissingLabName   = &Error{Kind: KindMissingLabName}
	ErrMissingReason    = &Error{Kind: KindMissingReason}
	ErrInvalidCommand   = &Error{Kind: KindInvalidCommand}
)

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing order or test.
func NotFoundError(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}

// InvalidCommandError reports malformed caller input.
func InvalidCommandError(format string, args ...interface{}) *Error {
	return newError(KindInvalidCommand, format, args...)
}

func invalidState(t *Test, action string) *Error {
	return newError(KindInvalidState, "cannot %s test %s in state %s", action, t.id, t.state)
}

func incompleteFields(missing []string) *Error {
	return &Error{
		Kind:    KindIncompleteFields,
		Message: "missing result fields: " + strings.Join(missing, ", "),
		Missing: missing,
	}
}

// KindOf returns the kind of a domain error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
