// Package trace records every reset and step of a session as compressed JSON
// lines and reads them back for inspection.
package trace

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"tickbridge.ai/internal/frame"
	"tickbridge.ai/internal/protocol"
	"tickbridge.ai/internal/session"
)

const (
	KindReset = "reset"
	KindStep  = "step"
)

type Record struct {
	Kind               string           `json:"kind"`
	Time               time.Time        `json:"time"`
	InstanceID         string           `json:"instance_id"`
	Epoch              uint64           `json:"epoch"`
	Sequence           uint64           `json:"seq"`
	ObsSequence        uint64           `json:"obs_seq"`
	LastActionSequence uint64           `json:"last_action_seq"`
	FrameSequence      uint64           `json:"frame_seq"`
	Action             *protocol.Action `json:"action,omitempty"`
	Commands           []string         `json:"commands,omitempty"`
	State              protocol.State   `json:"state"`
	Terminal           bool             `json:"terminal,omitempty"`
	LatencyMs          float64          `json:"latency_ms"`
	Skipped            int              `json:"skipped,omitempty"`
	Stale              int              `json:"stale,omitempty"`
	Frame              *FrameInfo       `json:"frame,omitempty"`
}

// FrameInfo describes the observation frame. Data is kept only when the
// writer records frames.
type FrameInfo struct {
	Width  int    `json:"w"`
	Height int    `json:"h"`
	Digest string `json:"blake3"`
	Data   []byte `json:"data,omitempty"`
}

// Digest is the hex blake3-256 of the top-down RGB bytes.
func Digest(pix []byte) string {
	sum := blake3.Sum256(pix)
	return hex.EncodeToString(sum[:])
}

func frameInfo(b frame.Buffer, keep bool) *FrameInfo {
	if b.Empty() {
		return nil
	}
	pix := b.Bytes()
	fi := &FrameInfo{Width: b.Width(), Height: b.Height(), Digest: Digest(pix)}
	if keep {
		fi.Data = pix
	}
	return fi
}

// Buffer rebuilds the recorded frame and checks it against the digest.
func (fi *FrameInfo) Buffer() (frame.Buffer, error) {
	if fi == nil || len(fi.Data) == 0 {
		return frame.Buffer{}, fmt.Errorf("trace: frame data not recorded")
	}
	if got := Digest(fi.Data); got != fi.Digest {
		return frame.Buffer{}, fmt.Errorf("trace: frame digest mismatch: got=%s want=%s", got, fi.Digest)
	}
	return frame.New(fi.Width, fi.Height, fi.Data)
}

func fromObservation(kind string, instanceID string, epoch, seq uint64, obs session.Observation, latency time.Duration, at time.Time, keepFrame bool) Record {
	return Record{
		Kind:               kind,
		Time:               at.UTC(),
		InstanceID:         instanceID,
		Epoch:              epoch,
		Sequence:           seq,
		ObsSequence:        obs.Sequence,
		LastActionSequence: obs.LastActionSequence,
		FrameSequence:      obs.FrameSequence,
		State:              obs.State,
		Terminal:           obs.Terminal,
		LatencyMs:          float64(latency) / float64(time.Millisecond),
		Frame:              frameInfo(obs.Frame, keepFrame),
	}
}

func resetRecord(ev session.ResetEvent, keepFrame bool) Record {
	r := fromObservation(KindReset, ev.InstanceID, ev.Epoch, ev.Sequence, ev.Observation, ev.Latency, ev.At, keepFrame)
	r.Commands = ev.Commands
	r.Stale = ev.Stale
	return r
}

func stepRecord(ev session.StepEvent, keepFrame bool) Record {
	r := fromObservation(KindStep, ev.InstanceID, ev.Epoch, ev.Sequence, ev.Observation, ev.Latency, ev.At, keepFrame)
	a := ev.Action
	r.Action = &a
	r.Skipped = ev.Skipped
	return r
}
