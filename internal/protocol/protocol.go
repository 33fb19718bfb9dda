package protocol

// Version is the wire protocol version spoken by this module.
const Version = 5

// Message types.
const (
	TypeHello       = "HELLO"
	TypeAction      = "ACTION"
	TypeObservation = "OBSERVATION"
)

// Mode is the simulation's stepping mode. SYNC gates each simulation tick on
// an action; ASYNC produces observations on its own clock.
type Mode string

const (
	ModeSync  Mode = "SYNC"
	ModeAsync Mode = "ASYNC"
)

func (m Mode) Valid() bool { return m == ModeSync || m == ModeAsync }

// FrameEncoding selects how frames travel in observations.
type FrameEncoding string

const (
	FrameRaw  FrameEncoding = "RAW"
	FrameNone FrameEncoding = "NONE"
)

func (e FrameEncoding) Valid() bool { return e == FrameRaw || e == FrameNone }

// FrameOrigin is the row order of a raw frame on the wire.
type FrameOrigin string

const (
	// OriginBottomUp is the GL readback order and the default when unset.
	OriginBottomUp FrameOrigin = "BOTTOM_UP"
	OriginTopDown  FrameOrigin = "TOP_DOWN"
)

// BaseMessage is the routing header present in every message.
type BaseMessage struct {
	Version int
	Type    string
}

// Message is implemented by every decoded message body.
type Message interface {
	MessageType() string
}
