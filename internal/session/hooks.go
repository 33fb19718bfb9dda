package session

import (
	"time"

	"tickbridge.ai/internal/protocol"
)

type ResetEvent struct {
	InstanceID  string
	Epoch       uint64
	Sequence    uint64
	Commands    []string
	Observation Observation
	Latency     time.Duration
	// Stale counts observations from earlier epochs dropped while waiting.
	Stale int
	At    time.Time
}

type StepEvent struct {
	InstanceID  string
	Epoch       uint64
	Sequence    uint64
	Action      protocol.Action
	Observation Observation
	Latency     time.Duration
	Skipped     int
	At          time.Time
}

// Hooks observe a session. They run on the caller's goroutine inside
// Reset, Step and Close, so they must not call back into the session.
type Hooks interface {
	OnReset(ResetEvent)
	OnStep(StepEvent)
	OnClose()
}

// HookFuncs adapts plain functions to Hooks. Nil fields are skipped.
type HookFuncs struct {
	Reset func(ResetEvent)
	Step  func(StepEvent)
	Close func()
}

func (h HookFuncs) OnReset(ev ResetEvent) {
	if h.Reset != nil {
		h.Reset(ev)
	}
}

func (h HookFuncs) OnStep(ev StepEvent) {
	if h.Step != nil {
		h.Step(ev)
	}
}

func (h HookFuncs) OnClose() {
	if h.Close != nil {
		h.Close()
	}
}
