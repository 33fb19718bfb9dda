package session

type State int32

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Ready
	Resetting
	Closed
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Resetting:
		return "resetting"
	case Closed:
		return "closed"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}
