package session

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Metrics counts session activity. All fields are updated atomically.
type Metrics struct {
	ActionsSent          int64
	ObservationsReceived int64
	StaleDropped         int64 // earlier epoch
	FutureDropped        int64 // later epoch than the session knows
	Skipped              int64 // same epoch, produced before the action
	MaxSkipReached       int64
	Ignored              int64 // HELLO repeats and other non-observations
	FrameErrors          int64
	Overflows            int64 // FIFO receive queue drops reported by the channel
	Resets               int64
	ResetTimeouts        int64
	Relaunches           int64
	Steps                int64
	TotalStepNs          int64
	TotalResetNs         int64
}

func (m *Metrics) incSent()         { atomic.AddInt64(&m.ActionsSent, 1) }
func (m *Metrics) incRecv()         { atomic.AddInt64(&m.ObservationsReceived, 1) }
func (m *Metrics) incStale()        { atomic.AddInt64(&m.StaleDropped, 1) }
func (m *Metrics) incFuture()       { atomic.AddInt64(&m.FutureDropped, 1) }
func (m *Metrics) incSkip()         { atomic.AddInt64(&m.Skipped, 1) }
func (m *Metrics) incMaxSkip()      { atomic.AddInt64(&m.MaxSkipReached, 1) }
func (m *Metrics) incIgnored()      { atomic.AddInt64(&m.Ignored, 1) }
func (m *Metrics) incFrameErr()     { atomic.AddInt64(&m.FrameErrors, 1) }
func (m *Metrics) incOverflow()     { atomic.AddInt64(&m.Overflows, 1) }
func (m *Metrics) incResetTimeout() { atomic.AddInt64(&m.ResetTimeouts, 1) }
func (m *Metrics) incRelaunch()     { atomic.AddInt64(&m.Relaunches, 1) }

func (m *Metrics) addStep(d time.Duration) {
	atomic.AddInt64(&m.Steps, 1)
	atomic.AddInt64(&m.TotalStepNs, int64(d))
}

func (m *Metrics) addReset(d time.Duration) {
	atomic.AddInt64(&m.Resets, 1)
	atomic.AddInt64(&m.TotalResetNs, int64(d))
}

// Snapshot returns a read-only copy for logs and CLI output.
func (m *Metrics) Snapshot() map[string]any {
	steps := atomic.LoadInt64(&m.Steps)
	resets := atomic.LoadInt64(&m.Resets)
	var avgStepMs, avgResetMs float64
	if steps > 0 {
		avgStepMs = float64(atomic.LoadInt64(&m.TotalStepNs)) / float64(steps) / 1e6
	}
	if resets > 0 {
		avgResetMs = float64(atomic.LoadInt64(&m.TotalResetNs)) / float64(resets) / 1e6
	}
	return map[string]any{
		"actions_sent":          atomic.LoadInt64(&m.ActionsSent),
		"observations_received": atomic.LoadInt64(&m.ObservationsReceived),
		"stale_dropped":         atomic.LoadInt64(&m.StaleDropped),
		"future_dropped":        atomic.LoadInt64(&m.FutureDropped),
		"skipped":               atomic.LoadInt64(&m.Skipped),
		"max_skip_reached":      atomic.LoadInt64(&m.MaxSkipReached),
		"ignored":               atomic.LoadInt64(&m.Ignored),
		"frame_errors":          atomic.LoadInt64(&m.FrameErrors),
		"overflows":             atomic.LoadInt64(&m.Overflows),
		"resets":                resets,
		"reset_timeouts":        atomic.LoadInt64(&m.ResetTimeouts),
		"relaunches":            atomic.LoadInt64(&m.Relaunches),
		"steps":                 steps,
		"avg_step_ms":           avgStepMs,
		"avg_reset_ms":          avgResetMs,
	}
}

// logRates logs sent and received messages per second every interval until
// stop is closed.
func (m *Metrics) logRates(log *zap.Logger, interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	lastSent := atomic.LoadInt64(&m.ActionsSent)
	lastRecv := atomic.LoadInt64(&m.ObservationsReceived)
	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			sent := atomic.LoadInt64(&m.ActionsSent)
			recv := atomic.LoadInt64(&m.ObservationsReceived)
			secs := now.Sub(last).Seconds()
			if secs > 0 {
				log.Info("rates",
					zap.Float64("actions_per_sec", float64(sent-lastSent)/secs),
					zap.Float64("observations_per_sec", float64(recv-lastRecv)/secs),
				)
			}
			lastSent, lastRecv, last = sent, recv, now
		}
	}
}
