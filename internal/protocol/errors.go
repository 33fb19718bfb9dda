package protocol

import (
	"errors"
	"fmt"
)

const (
	// Wire codec.
	CodeVersionMismatch = "E_PROTO_VERSION_MISMATCH"
	CodeMalformed       = "E_PROTO_MALFORMED"

	// Frame reconstruction.
	CodeFrameSizeMismatch = "E_FRAME_SIZE_MISMATCH"
	CodeFrameStride       = "E_FRAME_STRIDE"
	CodeFrameDimensions   = "E_FRAME_DIMENSIONS"
	CodeFrameEncoding     = "E_FRAME_ENCODING"

	// Transport.
	CodeBind         = "E_TRANSPORT_BIND"
	CodeNoPeer       = "E_TRANSPORT_NO_PEER"
	CodeDisconnected = "E_TRANSPORT_DISCONNECTED"
	CodeTimeout      = "E_TRANSPORT_TIMEOUT"
	CodeClosed       = "E_TRANSPORT_CLOSED"
	CodeOverflow     = "E_TRANSPORT_OVERFLOW"

	// Session.
	CodeInvalidState  = "E_SESSION_INVALID_STATE"
	CodeResetTimeout  = "E_SESSION_RESET_TIMEOUT"
	CodeFaulted       = "E_SESSION_FAULTED"
	CodeSessionClosed = "E_SESSION_CLOSED"
)

var knownCodes = map[string]struct{}{
	CodeVersionMismatch:   {},
	CodeMalformed:         {},
	CodeFrameSizeMismatch: {},
	CodeFrameStride:       {},
	CodeFrameDimensions:   {},
	CodeFrameEncoding:     {},
	CodeBind:              {},
	CodeNoPeer:            {},
	CodeDisconnected:      {},
	CodeTimeout:           {},
	CodeClosed:            {},
	CodeOverflow:          {},
	CodeInvalidState:      {},
	CodeResetTimeout:      {},
	CodeFaulted:           {},
	CodeSessionClosed:     {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Coded is implemented by every error in the taxonomy.
type Coded interface {
	error
	Code() string
}

// CodeOf returns the code of the first coded error in err's chain, or "".
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// Error is a wire protocol failure. Both kinds are fatal to a session.
type Error struct {
	code string
	msg  string
	err  error
}

var (
	ErrVersionMismatch = &Error{code: CodeVersionMismatch, msg: "protocol version mismatch"}
	ErrMalformed       = &Error{code: CodeMalformed, msg: "malformed message"}
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

func malformed(format string, args ...any) error {
	return &Error{code: CodeMalformed, msg: ErrMalformed.msg, err: fmt.Errorf(format, args...)}
}

func versionMismatch(got, want int) error {
	return &Error{
		code: CodeVersionMismatch,
		msg:  ErrVersionMismatch.msg,
		err:  fmt.Errorf("peer speaks %d, expected %d", got, want),
	}
}
