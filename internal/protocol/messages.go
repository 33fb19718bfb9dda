package protocol

// HELLO (both directions). The client sends one on the action channel; the
// simulation answers on the observation channel.
type HelloMsg struct {
	Version       int           `cbor:"0,keyasint"`
	Type          string        `cbor:"1,keyasint"`
	InstanceID    string        `cbor:"2,keyasint,omitempty"`
	Mode          Mode          `cbor:"3,keyasint,omitempty"`
	FrameEncoding FrameEncoding `cbor:"4,keyasint,omitempty"`
}

func (HelloMsg) MessageType() string { return TypeHello }

// InputType distinguishes keyboard keys from mouse buttons.
type InputType int

const (
	InputKey   InputType = 0
	InputMouse InputType = 1
)

// KeyAction is a press or a release. Repeat is never sent.
type KeyAction int

const (
	Release KeyAction = 0
	Press   KeyAction = 1
)

// InputEvent is one key or button transition, using GLFW codes.
type InputEvent struct {
	Type   InputType `cbor:"0,keyasint" json:"type"`
	Code   int       `cbor:"1,keyasint" json:"code"`
	Action KeyAction `cbor:"2,keyasint" json:"action"`
}

// KeyPress and friends build input events.
func KeyPress(code int) InputEvent     { return InputEvent{Type: InputKey, Code: code, Action: Press} }
func KeyRelease(code int) InputEvent   { return InputEvent{Type: InputKey, Code: code, Action: Release} }
func MousePress(code int) InputEvent   { return InputEvent{Type: InputMouse, Code: code, Action: Press} }
func MouseRelease(code int) InputEvent { return InputEvent{Type: InputMouse, Code: code, Action: Release} }

// Action is what a controller asks the simulation to do for one step. It is
// a delta: the simulation accumulates held inputs across actions.
type Action struct {
	Inputs []InputEvent `json:"inputs,omitempty"`
	// CursorDelta is a relative cursor move in fractional units.
	CursorDelta [2]float64 `json:"cursor_delta"`
	// Commands are console commands, without the leading slash.
	Commands   []string `json:"commands,omitempty"`
	ClearInput bool     `json:"clear_input,omitempty"`
}

// IsZero reports whether the action carries nothing.
func (a Action) IsZero() bool {
	return len(a.Inputs) == 0 && a.CursorDelta == [2]float64{} && len(a.Commands) == 0 && !a.ClearInput
}

// ACTION (client -> simulation)
type ActionMsg struct {
	Version     int          `cbor:"0,keyasint"`
	Type        string       `cbor:"1,keyasint"`
	Sequence    uint64       `cbor:"2,keyasint"`
	Epoch       uint64       `cbor:"3,keyasint,omitempty"`
	Inputs      []InputEvent `cbor:"4,keyasint,omitempty"`
	CursorDelta [2]float64   `cbor:"5,keyasint"`
	Commands    []string     `cbor:"6,keyasint,omitempty"`
	ClearInput  bool         `cbor:"7,keyasint,omitempty"`
	Reset       bool         `cbor:"8,keyasint,omitempty"`
	Stop        bool         `cbor:"9,keyasint,omitempty"`
}

func (ActionMsg) MessageType() string { return TypeAction }

// NewActionMsg wraps a for sending at the given sequence and epoch.
func NewActionMsg(seq, epoch uint64, a Action) ActionMsg {
	return ActionMsg{
		Sequence:    seq,
		Epoch:       epoch,
		Inputs:      a.Inputs,
		CursorDelta: a.CursorDelta,
		Commands:    a.Commands,
		ClearInput:  a.ClearInput,
	}
}

// Action returns the controller-facing part of the message.
func (m ActionMsg) Action() Action {
	return Action{
		Inputs:      m.Inputs,
		CursorDelta: m.CursorDelta,
		Commands:    m.Commands,
		ClearInput:  m.ClearInput,
	}
}

// OBSERVATION (simulation -> client)
type ObservationMsg struct {
	Version  int    `cbor:"0,keyasint"`
	Type     string `cbor:"1,keyasint"`
	Sequence uint64 `cbor:"2,keyasint"`
	Epoch    uint64 `cbor:"3,keyasint"`
	// LastActionSequence is the last action the simulation processed before
	// producing this observation.
	LastActionSequence uint64 `cbor:"4,keyasint,omitempty"`
	// FrameSequence counts frames since the simulation started.
	FrameSequence uint64    `cbor:"5,keyasint,omitempty"`
	Mode          Mode      `cbor:"6,keyasint,omitempty"`
	Frame         *FrameMsg `cbor:"7,keyasint,omitempty"`
	State         State     `cbor:"8,keyasint"`
	Terminal      bool      `cbor:"9,keyasint,omitempty"`
}

func (ObservationMsg) MessageType() string { return TypeObservation }

// FrameMsg is a raw pixel payload. Stride is in bytes.
type FrameMsg struct {
	Encoding FrameEncoding `cbor:"0,keyasint,omitempty"`
	Width    int           `cbor:"1,keyasint"`
	Height   int           `cbor:"2,keyasint"`
	Stride   int           `cbor:"3,keyasint"`
	Origin   FrameOrigin   `cbor:"4,keyasint,omitempty"`
	Data     []byte        `cbor:"5,keyasint"`
}

// State is the game state carried next to the frame. Extra holds fields this
// module does not interpret.
type State struct {
	Health     float64         `cbor:"0,keyasint,omitempty" json:"health,omitempty"`
	PlayerPos  [3]float64      `cbor:"1,keyasint" json:"player_pos"`
	Pitch      float64         `cbor:"2,keyasint,omitempty" json:"pitch,omitempty"`
	Yaw        float64         `cbor:"3,keyasint,omitempty" json:"yaw,omitempty"`
	CursorMode int             `cbor:"4,keyasint,omitempty" json:"cursor_mode,omitempty"`
	CursorPos  [2]int          `cbor:"5,keyasint" json:"cursor_pos"`
	Inventory  []InventorySlot `cbor:"6,keyasint,omitempty" json:"inventory,omitempty"`
	Extra      map[string]any  `cbor:"15,keyasint,omitempty" json:"extra,omitempty"`
}

type InventorySlot struct {
	Slot  int    `cbor:"0,keyasint" json:"slot"`
	ID    string `cbor:"1,keyasint" json:"id"`
	Count int    `cbor:"2,keyasint" json:"count"`
}
