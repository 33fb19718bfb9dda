package frame

import (
	"fmt"

	"tickbridge.ai/internal/protocol"
)

// Error is a frame reconstruction failure. It rejects one observation's
// frame and leaves the session usable.
type Error struct {
	code string
	msg  string
}

var (
	ErrSizeMismatch        = &Error{code: protocol.CodeFrameSizeMismatch, msg: "frame size mismatch"}
	ErrStride              = &Error{code: protocol.CodeFrameStride, msg: "invalid frame stride"}
	ErrDimensions          = &Error{code: protocol.CodeFrameDimensions, msg: "frame dimensions out of range"}
	ErrUnsupportedEncoding = &Error{code: protocol.CodeFrameEncoding, msg: "unsupported frame encoding"}
)

func (e *Error) Code() string  { return e.code }
func (e *Error) Error() string { return e.msg }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

func errorf(kind *Error, format string, args ...any) error {
	return &Error{code: kind.code, msg: kind.msg + ": " + fmt.Sprintf(format, args...)}
}
