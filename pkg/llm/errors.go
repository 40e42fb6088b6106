package llm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by a turn.
type ErrorKind string

const (
	KindInvalidConfiguration       ErrorKind = "InvalidConfiguration"
	KindTransport                  ErrorKind = "TransportError"
	KindIncompleteStream           ErrorKind = "IncompleteStream"
	KindMalformedFrame             ErrorKind = "MalformedFrame"
	KindUnknownTool                ErrorKind = "UnknownTool"
	KindMalformedArguments         ErrorKind = "MalformedArguments"
	KindExecutionFailed            ErrorKind = "ExecutionFailed"
	KindToolRecursionLimitExceeded ErrorKind = "ToolRecursionLimitExceeded"
)

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrInvalidConfiguration       = &Error{Kind: KindInvalidConfiguration}
	ErrTransport                  = &Error{Kind: KindTransport}
	ErrIncompleteStream           = &Error{Kind: KindIncompleteStream}
	ErrMalformedFrame             = &Error{Kind: KindMalformedFrame}
	ErrUnknownTool                = &Error{Kind: KindUnknownTool}
	ErrMalformedArguments         = &Error{Kind: KindMalformedArguments}
	ErrExecutionFailed            = &Error{Kind: KindExecutionFailed}
	ErrToolRecursionLimitExceeded = &Error{Kind: KindToolRecursionLimitExceeded}
)

// Error is a classified failure.
type Error struct {
	Kind ErrorKind
	// Op names what was being attempted, e.g. "build request" or a tool name.
	Op string
	// Status is the HTTP status for transport failures, 0 otherwise.
	Status int
	Err    error
}

// Errorf builds an *Error of the given kind with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap builds an *Error of the given kind around err.
func Wrap(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " (" + e.Op + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
