package transport

import (
	"context"
	"errors"
	"fmt"

	"tickbridge.ai/internal/protocol"
)

// Error is a channel failure. ErrBind happens at startup; the rest happen
// mid-session.
type Error struct {
	code string
	msg  string
	err  error
}

var (
	ErrBind         = &Error{code: protocol.CodeBind, msg: "bind failed"}
	ErrNoPeer       = &Error{code: protocol.CodeNoPeer, msg: "no peer listening"}
	ErrDisconnected = &Error{code: protocol.CodeDisconnected, msg: "peer disconnected"}
	ErrTimeout      = &Error{code: protocol.CodeTimeout, msg: "timed out"}
	ErrClosed       = &Error{code: protocol.CodeClosed, msg: "channel closed"}
	// ErrOverflow reports messages dropped by a full FIFO receive queue. The
	// channel stays open.
	ErrOverflow     = &Error{code: protocol.CodeOverflow, msg: "receive queue overflowed"}
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

func wrapf(kind *Error, format string, args ...any) error {
	return wrap(kind, fmt.Errorf(format, args...))
}

// ctxErr maps a finished context to the transport taxonomy.
func ctxErr(ctx context.Context, what string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return wrapf(ErrTimeout, "%s", what)
	}
	return wrap(ErrClosed, ctx.Err())
}
