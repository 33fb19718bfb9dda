package session

import (
	"fmt"
	"time"

	"tickbridge.ai/internal/protocol"
	"tickbridge.ai/internal/transport"
)

// ResetPolicy selects how Reset brings the simulation back to a fresh
// episode.
type ResetPolicy string

const (
	// ResetInPlace asks the running simulation to reset.
	ResetInPlace ResetPolicy = "in_place"
	// ResetRelaunch restarts the simulation through the Launcher every time.
	ResetRelaunch ResetPolicy = "relaunch"
	// ResetFallback resets in place and relaunches once if that times out.
	ResetFallback ResetPolicy = "fallback"
)

func (p ResetPolicy) Valid() bool {
	return p == ResetInPlace || p == ResetRelaunch || p == ResetFallback
}

type Config struct {
	Action      transport.Endpoint
	Observation transport.Endpoint

	// ProtocolVersion must match the simulation exactly.
	ProtocolVersion int
	Mode            protocol.Mode
	FrameEncoding   protocol.FrameEncoding
	// InstanceID identifies this client in the handshake. Empty means a
	// random UUID.
	InstanceID string

	ConnectTimeout time.Duration
	// StepTimeout bounds one whole Step: sending and matching.
	StepTimeout  time.Duration
	ResetTimeout time.Duration
	// HelloInterval is how often the handshake re-sends HELLO while waiting.
	HelloInterval time.Duration

	// MaxSkip caps observations skipped while waiting for one that reflects
	// the sent action. 0 means no cap beyond StepTimeout.
	MaxSkip int

	ResetPolicy ResetPolicy
	// StopOnClose sends a stop action before closing.
	StopOnClose bool

	ReceiveBuffer int
	// RateInterval is the period of the rate log line. Negative disables it.
	RateInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Action:          transport.Endpoint{Addr: "tcp://localhost:4001", Role: transport.Connect},
		Observation:     transport.Endpoint{Addr: "tcp://localhost:8001", Role: transport.Connect},
		ProtocolVersion: protocol.Version,
		Mode:            protocol.ModeSync,
		FrameEncoding:   protocol.FrameRaw,
		ConnectTimeout:  30 * time.Second,
		StepTimeout:     5 * time.Second,
		ResetTimeout:    120 * time.Second,
		HelloInterval:   500 * time.Millisecond,
		ResetPolicy:     ResetInPlace,
		ReceiveBuffer:   1024,
		RateInterval:    10 * time.Second,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Action.Addr == "" {
		c.Action = d.Action
	}
	if c.Observation.Addr == "" {
		c.Observation = d.Observation
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = d.ProtocolVersion
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.FrameEncoding == "" {
		c.FrameEncoding = d.FrameEncoding
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HelloInterval == 0 {
		c.HelloInterval = d.HelloInterval
	}
	if c.ResetPolicy == "" {
		c.ResetPolicy = d.ResetPolicy
	}
	if c.ReceiveBuffer == 0 {
		c.ReceiveBuffer = d.ReceiveBuffer
	}
	if c.RateInterval == 0 {
		c.RateInterval = d.RateInterval
	}
	return c
}

func (c Config) Validate() error {
	if err := c.Action.Validate(); err != nil {
		return fmt.Errorf("action endpoint: %w", err)
	}
	if err := c.Observation.Validate(); err != nil {
		return fmt.Errorf("observation endpoint: %w", err)
	}
	if c.ProtocolVersion <= 0 {
		return fmt.Errorf("protocol version %d", c.ProtocolVersion)
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("mode %q", c.Mode)
	}
	if !c.FrameEncoding.Valid() {
		return fmt.Errorf("frame encoding %q", c.FrameEncoding)
	}
	if c.ConnectTimeout <= 0 || c.StepTimeout <= 0 || c.ResetTimeout <= 0 || c.HelloInterval <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxSkip < 0 {
		return fmt.Errorf("max skip %d", c.MaxSkip)
	}
	if !c.ResetPolicy.Valid() {
		return fmt.Errorf("reset policy %q", c.ResetPolicy)
	}
	return nil
}
