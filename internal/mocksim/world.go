package mocksim

import (
	"math"

	"tickbridge.ai/internal/frame"
	"tickbridge.ai/internal/protocol"
)

// GLFW codes the mock world reacts to.
const (
	keyW         = 87
	keyS         = 83
	keyA         = 65
	keyD         = 68
	mouseLeft    = 0
	cursorNormal = 0x00034001
)

// world is the mock game state advanced by actions and ticks.
type world struct {
	epoch      uint64
	lastAction uint64
	obsSeq     uint64
	frameSeq   uint64
	steps      int // steps in the current epoch
	totalSteps int
	resets     int

	held      map[protocol.InputEvent]struct{}
	pos       [3]float64
	yaw       float64
	pitch     float64
	cursorPos [2]int
	health    float64
	terminal  bool
}

func newWorld() *world {
	return &world{
		held:   map[protocol.InputEvent]struct{}{},
		pos:    [3]float64{0.5, 64, 0.5},
		health: 20,
	}
}

func (w *world) reset(epoch, seq uint64) {
	w.epoch = epoch
	w.lastAction = seq
	w.steps = 0
	w.resets++
	clear(w.held)
	w.pos = [3]float64{0.5, 64, 0.5}
	w.yaw, w.pitch = 0, 0
	w.health = 20
	w.terminal = false
}

func (w *world) apply(m protocol.ActionMsg) {
	if m.ClearInput {
		clear(w.held)
	}
	for _, ev := range m.Inputs {
		key := protocol.InputEvent{Type: ev.Type, Code: ev.Code}
		if ev.Action == protocol.Press {
			w.held[key] = struct{}{}
		} else {
			delete(w.held, key)
		}
	}
	w.yaw = math.Mod(w.yaw+m.CursorDelta[0], 360)
	w.pitch = math.Max(-90, math.Min(90, w.pitch+m.CursorDelta[1]))
	w.lastAction = m.Sequence
	w.steps++
	w.totalSteps++
}

// tick advances held movement by one simulation tick.
func (w *world) tick() {
	w.frameSeq++
	step := func(code int) bool {
		_, ok := w.held[protocol.InputEvent{Type: protocol.InputKey, Code: code}]
		return ok
	}
	rad := w.yaw * math.Pi / 180
	var fwd, side float64
	if step(keyW) {
		fwd++
	}
	if step(keyS) {
		fwd--
	}
	if step(keyD) {
		side++
	}
	if step(keyA) {
		side--
	}
	w.pos[0] += 0.2 * (fwd*-math.Sin(rad) + side*math.Cos(rad))
	w.pos[2] += 0.2 * (fwd*math.Cos(rad) + side*math.Sin(rad))
	if _, ok := w.held[protocol.InputEvent{Type: protocol.InputMouse, Code: mouseLeft}]; ok {
		w.health = math.Max(0, w.health-0.5)
	}
}

func (w *world) state() protocol.State {
	return protocol.State{
		Health:     w.health,
		PlayerPos:  w.pos,
		Pitch:      w.pitch,
		Yaw:        w.yaw,
		CursorMode: cursorNormal,
		CursorPos:  w.cursorPos,
		Inventory: []protocol.InventorySlot{
			{Slot: 0, ID: "minecraft:wooden_pickaxe", Count: 1},
			{Slot: 1, ID: "minecraft:dirt", Count: 16 + w.steps%48},
		},
		Extra: map[string]any{"held_inputs": len(w.held), "resets": w.resets},
	}
}

// renderFrame draws a gradient that shifts with the frame sequence, packed
// bottom-up with GL-style row alignment.
func renderFrame(width, height, align int, seq uint64) (*protocol.FrameMsg, error) {
	pix := make([]byte, width*height*frame.BytesPerPixel)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * frame.BytesPerPixel
			pix[i] = byte(x * 255 / max(1, width-1))
			pix[i+1] = byte(y * 255 / max(1, height-1))
			pix[i+2] = byte(seq)
		}
	}
	buf, err := frame.New(width, height, pix)
	if err != nil {
		return nil, err
	}
	stride := frame.AlignedStride(width, align)
	data, err := frame.Pack(buf, stride, true)
	if err != nil {
		return nil, err
	}
	return &protocol.FrameMsg{
		Encoding: protocol.FrameRaw,
		Width:    width,
		Height:   height,
		Stride:   stride,
		Origin:   protocol.OriginBottomUp,
		Data:     data,
	}, nil
}
