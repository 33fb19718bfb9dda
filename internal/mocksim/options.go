package mocksim

import (
	"time"

	"go.uber.org/zap"
)

type Option func(*Sim)

func WithLogger(l *zap.Logger) Option {
	return func(s *Sim) {
		if l != nil {
			s.log = l
		}
	}
}

// WithStaleBeforeReset emits n observations tagged with the previous epoch
// before answering each reset.
func WithStaleBeforeReset(n int) Option { return func(s *Sim) { s.staleBeforeReset = n } }

// WithSilenceAfter stops all output after n step actions, as a hung
// simulation would.
func WithSilenceAfter(n int) Option { return func(s *Sim) { s.silenceAfter = n } }

// WithHelloVersion makes the simulation speak protocol version v.
func WithHelloVersion(v int) Option { return func(s *Sim) { s.version = v } }

// WithTerminalAfter ends each episode after n steps.
func WithTerminalAfter(n int) Option { return func(s *Sim) { s.terminalAfter = n } }

// WithResetDelays delays the i-th reset answer by ds[i]. Later resets are
// answered at once.
func WithResetDelays(ds ...time.Duration) Option { return func(s *Sim) { s.resetDelays = ds } }

// WithLag emits n observations that predate each step action before the one
// that reflects it.
func WithLag(n int) Option { return func(s *Sim) { s.lag = n } }

// WithCorruptFrameAt sends a truncated frame in answer to step n (1-based).
func WithCorruptFrameAt(n int) Option { return func(s *Sim) { s.corruptAt = n } }
