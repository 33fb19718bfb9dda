package session

import (
	"fmt"

	"tickbridge.ai/internal/protocol"
)

// Error is a session misuse or reset failure.
type Error struct {
	code string
	msg  string
	err  error
}

var (
	ErrInvalidState = &Error{code: protocol.CodeInvalidState, msg: "invalid session state"}
	ErrResetTimeout = &Error{code: protocol.CodeResetTimeout, msg: "reset timed out"}
	ErrFaulted      = &Error{code: protocol.CodeFaulted, msg: "session faulted"}
	ErrClosed       = &Error{code: protocol.CodeSessionClosed, msg: "session closed"}
)

func (e *Error) Code() string { return e.code }

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

func wrap(kind *Error, err error) error {
	return &Error{code: kind.code, msg: kind.msg, err: err}
}

func invalidState(format string, args ...any) error {
	return wrap(ErrInvalidState, fmt.Errorf(format, args...))
}
