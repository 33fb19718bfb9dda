package session

import (
	"time"

	"tickbridge.ai/internal/frame"
	"tickbridge.ai/internal/protocol"
)

// Observation is one decoded observation handed to the caller. Frame is
// empty when the simulation sent none or when reconstruction failed.
type Observation struct {
	Sequence           uint64
	Epoch              uint64
	LastActionSequence uint64
	FrameSequence      uint64
	Mode               protocol.Mode
	Frame              frame.Buffer
	State              protocol.State
	Terminal           bool
	ReceivedAt         time.Time
}

// newObservation converts a wire message. A frame error is returned next to
// an observation that still carries the state payload.
func newObservation(m protocol.ObservationMsg, at time.Time) (Observation, error) {
	obs := Observation{
		Sequence:           m.Sequence,
		Epoch:              m.Epoch,
		LastActionSequence: m.LastActionSequence,
		FrameSequence:      m.FrameSequence,
		Mode:               m.Mode,
		State:              m.State,
		Terminal:           m.Terminal,
		ReceivedAt:         at,
	}
	buf, err := frame.FromMessage(m.Frame)
	if err != nil {
		return obs, err
	}
	obs.Frame = buf
	return obs, nil
}
