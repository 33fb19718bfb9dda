// Package mocksim is a stand-in simulation peer. It speaks the wire protocol
// on the simulation's side of both channels and can be scripted to
// misbehave in the ways a real simulation does.
package mocksim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tickbridge.ai/internal/protocol"
	"tickbridge.ai/internal/transport"
)

type Config struct {
	// Action and Observation are the simulation's own endpoints.
	Action      transport.Endpoint
	Observation transport.Endpoint

	Mode          protocol.Mode
	FrameEncoding protocol.FrameEncoding
	// TickRate is the free-running observation rate in ASYNC mode.
	TickRate   int
	Width      int
	Height     int
	FrameAlign int
	InstanceID string
}

func (c *Config) defaults() {
	if c.Mode == "" {
		c.Mode = protocol.ModeSync
	}
	if c.FrameEncoding == "" {
		c.FrameEncoding = protocol.FrameRaw
	}
	if c.TickRate <= 0 {
		c.TickRate = 20
	}
	if c.Width <= 0 {
		c.Width = 64
	}
	if c.Height <= 0 {
		c.Height = 64
	}
	if c.FrameAlign <= 0 {
		c.FrameAlign = 4
	}
	if c.InstanceID == "" {
		c.InstanceID = "mocksim"
	}
}

var errStopped = errors.New("stop requested")

type Sim struct {
	cfg   Config
	log   *zap.Logger
	codec protocol.Codec

	version          int
	staleBeforeReset int
	silenceAfter     int
	terminalAfter    int
	resetDelays      []time.Duration
	lag              int
	corruptAt        int

	mu    sync.Mutex
	world *world

	sendMu sync.Mutex
	tx     transport.Sender

	ready   chan struct{}
	stopped chan struct{}
	stopMu  sync.Once
	helloed atomic.Bool
	actions atomic.Int64
}

func New(cfg Config, opts ...Option) *Sim {
	cfg.defaults()
	s := &Sim{
		cfg:     cfg,
		log:     zap.NewNop(),
		world:   newWorld(),
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.codec = protocol.NewCodec(s.version)
	s.log = s.log.With(zap.String("sim", cfg.InstanceID))
	return s
}

// Ready is closed once both channels are open.
func (s *Sim) Ready() <-chan struct{} { return s.ready }

// Stopped is closed when a stop action arrives.
func (s *Sim) Stopped() <-chan struct{} { return s.stopped }

// Actions counts decoded ACTION messages.
func (s *Sim) Actions() int64 { return s.actions.Load() }

// Epoch is the epoch of the last reset the simulation processed.
func (s *Sim) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world.epoch
}

// Run serves until ctx is done or a stop action arrives. Both return nil.
func (s *Sim) Run(ctx context.Context) error {
	rx, tx, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = rx.Close()
		_ = tx.Close()
	}()
	s.tx = tx
	close(s.ready)
	s.log.Info("mock simulation running",
		zap.String("action", s.cfg.Action.String()),
		zap.String("observation", s.cfg.Observation.String()),
		zap.String("mode", string(s.cfg.Mode)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.actionLoop(gctx, rx) })
	if s.cfg.Mode == protocol.ModeAsync {
		g.Go(func() error { return s.tickLoop(gctx) })
	}
	err = g.Wait()
	if errors.Is(err, errStopped) || ctx.Err() != nil {
		return nil
	}
	return err
}

// open binds before connecting, mirroring the client.
func (s *Sim) open(ctx context.Context) (transport.Receiver, transport.Sender, error) {
	var (
		rx  transport.Receiver
		tx  transport.Sender
		err error
	)
	opts := []transport.Option{transport.WithLogger(s.log.Named("transport")), transport.WithConnectTimeout(time.Minute)}
	openRx := func() error {
		rx, err = transport.OpenReceiver(ctx, s.cfg.Action, opts...)
		return err
	}
	openTx := func() error {
		tx, err = transport.OpenSender(ctx, s.cfg.Observation, opts...)
		return err
	}
	order := []func() error{openRx, openTx}
	if s.cfg.Observation.Role == transport.Bind && s.cfg.Action.Role == transport.Connect {
		order = []func() error{openTx, openRx}
	}
	for _, fn := range order {
		if err := fn(); err != nil {
			if rx != nil {
				_ = rx.Close()
			}
			if tx != nil {
				_ = tx.Close()
			}
			return nil, nil, fmt.Errorf("mocksim: %w", err)
		}
	}
	return rx, tx, nil
}

func (s *Sim) actionLoop(ctx context.Context, rx transport.Receiver) error {
	for {
		b, err := rx.Recv(ctx)
		if errors.Is(err, transport.ErrOverflow) {
			s.log.Warn("actions lost in the receive queue", zap.Error(err))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		m, err := s.codec.Decode(b)
		if err != nil {
			if errors.Is(err, protocol.ErrVersionMismatch) {
				// Answer with our own version so the client can tell.
				s.log.Warn("client speaks another protocol version", zap.Error(err))
				s.sendHello(ctx)
				continue
			}
			s.log.Warn("dropping undecodable message", zap.Error(err))
			continue
		}
		switch m := m.(type) {
		case protocol.HelloMsg:
			s.log.Info("hello", zap.String("client", m.InstanceID), zap.String("mode", string(m.Mode)))
			s.helloed.Store(true)
			s.sendHello(ctx)
		case protocol.ActionMsg:
			s.actions.Add(1)
			if m.Stop {
				s.log.Info("stop requested")
				s.stopMu.Do(func() { close(s.stopped) })
				return errStopped
			}
			if m.Reset {
				if err := s.handleReset(ctx, m); err != nil {
					return err
				}
				continue
			}
			s.handleStep(ctx, m)
		}
	}
}

func (s *Sim) sendHello(ctx context.Context) {
	b, err := s.codec.EncodeHello(protocol.HelloMsg{
		InstanceID:    s.cfg.InstanceID,
		Mode:          s.cfg.Mode,
		FrameEncoding: s.cfg.FrameEncoding,
	})
	if err != nil {
		s.log.Error("encode hello", zap.Error(err))
		return
	}
	s.send(ctx, b)
}

func (s *Sim) handleReset(ctx context.Context, m protocol.ActionMsg) error {
	s.mu.Lock()
	n := s.world.resets
	oldEpoch := s.world.epoch
	s.mu.Unlock()

	if n < len(s.resetDelays) && s.resetDelays[n] > 0 {
		t := time.NewTimer(s.resetDelays[n])
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	for i := 0; i < s.staleBeforeReset; i++ {
		s.mu.Lock()
		s.world.tick()
		obs := s.observationLocked()
		obs.Epoch = oldEpoch
		s.mu.Unlock()
		s.emit(ctx, obs, false)
	}

	s.mu.Lock()
	s.world.reset(m.Epoch, m.Sequence)
	for _, c := range m.Commands {
		s.log.Debug("command", zap.String("cmd", c))
	}
	s.world.tick()
	obs := s.observationLocked()
	s.mu.Unlock()
	s.log.Info("reset", zap.Uint64("epoch", m.Epoch), zap.Int("commands", len(m.Commands)))
	if s.cfg.Mode == protocol.ModeSync {
		s.emit(ctx, obs, false)
	}
	return nil
}

func (s *Sim) handleStep(ctx context.Context, m protocol.ActionMsg) {
	s.mu.Lock()
	var lagged []protocol.ObservationMsg
	for i := 0; i < s.lag; i++ {
		s.world.tick()
		lagged = append(lagged, s.observationLocked())
	}
	s.world.apply(m)
	step := s.world.totalSteps
	if s.terminalAfter > 0 && s.world.steps >= s.terminalAfter {
		s.world.terminal = true
		s.world.health = 0
	}
	s.world.tick()
	obs := s.observationLocked()
	s.mu.Unlock()

	if s.silenceAfter > 0 && step > s.silenceAfter {
		s.log.Debug("silent", zap.Int("step", step))
		return
	}
	if s.cfg.Mode != protocol.ModeSync {
		return
	}
	for _, o := range lagged {
		s.emit(ctx, o, false)
	}
	s.emit(ctx, obs, s.corruptAt > 0 && step == s.corruptAt)
}

func (s *Sim) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.TickRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !s.helloed.Load() {
			continue
		}
		s.mu.Lock()
		s.world.tick()
		obs := s.observationLocked()
		silent := s.silenceAfter > 0 && s.world.totalSteps > s.silenceAfter
		s.mu.Unlock()
		if !silent {
			s.emit(ctx, obs, false)
		}
	}
}

func (s *Sim) observationLocked() protocol.ObservationMsg {
	w := s.world
	w.obsSeq++
	obs := protocol.ObservationMsg{
		Sequence:           w.obsSeq,
		Epoch:              w.epoch,
		LastActionSequence: w.lastAction,
		FrameSequence:      w.frameSeq,
		Mode:               s.cfg.Mode,
		State:              w.state(),
		Terminal:           w.terminal,
	}
	if s.cfg.FrameEncoding == protocol.FrameRaw {
		f, err := renderFrame(s.cfg.Width, s.cfg.Height, s.cfg.FrameAlign, w.frameSeq)
		if err != nil {
			s.log.Error("render frame", zap.Error(err))
		} else {
			obs.Frame = f
		}
	}
	return obs
}

func (s *Sim) emit(ctx context.Context, obs protocol.ObservationMsg, corrupt bool) {
	if corrupt && obs.Frame != nil {
		obs.Frame.Data = obs.Frame.Data[:len(obs.Frame.Data)/2]
	}
	b, err := s.codec.EncodeObservation(obs)
	if err != nil {
		s.log.Error("encode observation", zap.Error(err))
		return
	}
	s.send(ctx, b)
}

func (s *Sim) send(ctx context.Context, b []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.tx.Send(sctx, b); err != nil && ctx.Err() == nil {
		s.log.Warn("send failed", zap.Error(err))
	}
}
