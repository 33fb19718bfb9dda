// Package session drives one simulation instance: it connects both channels,
// performs the version handshake and pairs each reset or action with the
// observation that answers it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tickbridge.ai/internal/protocol"
	"tickbridge.ai/internal/transport"
)

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHooks adds observers for resets, steps and close.
func WithHooks(h ...Hooks) Option {
	return func(s *Session) { s.hooks = append(s.hooks, h...) }
}

func WithLauncher(l Launcher) Option {
	return func(s *Session) { s.launcher = l }
}

// WithTransport replaces the socket opener.
func WithTransport(o transport.Opener) Option {
	return func(s *Session) {
		if o != nil {
			s.opener = o
		}
	}
}

// ResetOptions carries per-reset console commands, run by the simulation as
// part of the reset action.
type ResetOptions struct {
	Commands []string
}

// Session is safe for use by one caller at a time; Close may be called from
// any goroutine and unblocks a pending Reset or Step.
type Session struct {
	cfg        Config
	log        *zap.Logger
	opener     transport.Opener
	launcher   Launcher
	hooks      []Hooks
	codec      protocol.Codec
	instanceID string
	metrics    Metrics

	// opMu serializes Connect, Reset and Step.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	cause       error
	epoch       uint64
	seq         uint64
	needsReset  bool
	episodeDone bool
	peer        protocol.HelloMsg
	tx          transport.Sender
	rx          transport.Receiver
	rateStop    chan struct{}

	closeOnce sync.Once
}

// New returns a session in the Disconnected state.
func New(cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	s := &Session{
		cfg:        cfg,
		log:        zap.NewNop(),
		opener:     transport.Default,
		codec:      protocol.NewCodec(cfg.ProtocolVersion),
		instanceID: cfg.InstanceID,
	}
	for _, o := range opts {
		o(s)
	}
	if s.instanceID == "" {
		s.instanceID = uuid.NewString()
	}
	if cfg.ResetPolicy != ResetInPlace && s.launcher == nil {
		return nil, fmt.Errorf("session config: reset policy %q needs a launcher", cfg.ResetPolicy)
	}
	s.log = s.log.With(zap.String("instance", s.instanceID))
	return s, nil
}

// Connect creates a session and connects it. The session is returned even
// when connecting fails so the caller can inspect State and Close it.
func Connect(cfg Config, opts ...Option) (*Session, error) {
	s, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return s, s.Connect()
}

func (s *Session) Config() Config       { return s.cfg }
func (s *Session) InstanceID() string   { return s.instanceID }
func (s *Session) Metrics() *Metrics    { return &s.metrics }
func (s *Session) Codec() protocol.Codec { return s.codec }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch is the current reset epoch. It starts at 0 and increments on every
// reset attempt.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Sequence is the last action sequence sent.
func (s *Session) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Peer is the simulation's HELLO.
func (s *Session) Peer() protocol.HelloMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Err is the error that faulted the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Connect opens both channels and performs the handshake. The session must
// be reset before the first Step.
func (s *Session) Connect() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case Disconnected:
	case Closed:
		return ErrClosed
	default:
		return invalidState("connect while %s", st)
	}

	if err := s.open(); err != nil {
		return s.fault(err)
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = Ready
	s.needsReset = true
	if s.cfg.RateInterval > 0 {
		s.rateStop = make(chan struct{})
		go s.metrics.logRates(s.log, s.cfg.RateInterval, s.rateStop)
	}
	peer := s.peer
	s.mu.Unlock()

	s.log.Info("session ready",
		zap.String("peer", peer.InstanceID),
		zap.String("mode", string(peer.Mode)),
		zap.Int("protocol_version", s.codec.Version()),
	)
	return nil
}

func (s *Session) setState(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return false
	}
	s.state = st
	return true
}

// fault moves the session to Faulted unless it was closed meanwhile.
func (s *Session) fault(err error) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = Faulted
	s.cause = err
	s.mu.Unlock()
	s.log.Error("session faulted", zap.Error(err), zap.String("code", protocol.CodeOf(err)))
	return err
}

// open connects both channels and runs the handshake. Bind-role endpoints
// open first: binding never waits, so a peer dialing us in the opposite
// order is always reachable.
func (s *Session) open() error {
	if !s.setState(Connecting) {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	topts := []transport.Option{
		transport.WithConnectTimeout(s.cfg.ConnectTimeout),
		transport.WithBuffer(s.cfg.ReceiveBuffer),
		transport.WithLatestOnly(s.cfg.Mode == protocol.ModeAsync),
		transport.WithLogger(s.log.Named("transport")),
	}
	var (
		tx transport.Sender
		rx transport.Receiver
	)
	openTx := func() (err error) {
		tx, err = s.opener.OpenSender(ctx, s.cfg.Action, topts...)
		if err != nil {
			return fmt.Errorf("action channel %s: %w", s.cfg.Action, err)
		}
		return nil
	}
	openRx := func() (err error) {
		rx, err = s.opener.OpenReceiver(ctx, s.cfg.Observation, topts...)
		if err != nil {
			return fmt.Errorf("observation channel %s: %w", s.cfg.Observation, err)
		}
		return nil
	}
	order := []func() error{openTx, openRx}
	if s.cfg.Observation.Role == transport.Bind && s.cfg.Action.Role == transport.Connect {
		order = []func() error{openRx, openTx}
	}
	for _, fn := range order {
		if err := fn(); err != nil {
			closeQuietly(tx, rx)
			return err
		}
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		closeQuietly(tx, rx)
		return ErrClosed
	}
	s.tx, s.rx = tx, rx
	s.state = Handshaking
	s.mu.Unlock()

	return s.handshake(ctx, tx, rx)
}

func closeQuietly(tx transport.Sender, rx transport.Receiver) {
	if tx != nil {
		_ = tx.Close()
	}
	if rx != nil {
		_ = rx.Close()
	}
}

// handshake sends HELLO and waits for the simulation's HELLO on the
// observation channel. HELLO is re-sent every HelloInterval since a push
// socket may drop messages sent before its peer finished joining. Other
// messages are ignored; a version mismatch is fatal.
func (s *Session) handshake(ctx context.Context, tx transport.Sender, rx transport.Receiver) error {
	hello, err := s.codec.EncodeHello(protocol.HelloMsg{
		InstanceID:    s.instanceID,
		Mode:          s.cfg.Mode,
		FrameEncoding: s.cfg.FrameEncoding,
	})
	if err != nil {
		return err
	}
	if err := tx.Send(ctx, hello); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	for {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.HelloInterval)
		b, err := rx.Recv(rctx)
		cancel()
		if errors.Is(err, transport.ErrOverflow) {
			s.metrics.incOverflow()
			continue
		}
		if err != nil {
			if !errors.Is(err, transport.ErrTimeout) {
				return fmt.Errorf("handshake: %w", err)
			}
			if ctx.Err() != nil {
				return fmt.Errorf("handshake: no HELLO within %s: %w", s.cfg.ConnectTimeout, transport.ErrTimeout)
			}
			if err := tx.Send(ctx, hello); err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
			continue
		}
		m, err := s.codec.Decode(b)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		peer, ok := m.(protocol.HelloMsg)
		if !ok {
			s.metrics.incIgnored()
			s.log.Debug("ignoring message during handshake", zap.String("type", m.MessageType()))
			continue
		}
		if peer.Mode != "" && peer.Mode != s.cfg.Mode {
			s.log.Warn("mode mismatch", zap.String("client", string(s.cfg.Mode)), zap.String("simulation", string(peer.Mode)))
		}
		if peer.FrameEncoding != "" && peer.FrameEncoding != s.cfg.FrameEncoding {
			s.log.Warn("frame encoding mismatch", zap.String("client", string(s.cfg.FrameEncoding)), zap.String("simulation", string(peer.FrameEncoding)))
		}
		s.mu.Lock()
		s.peer = peer
		s.mu.Unlock()
		return nil
	}
}

// usableLocked reports why the session cannot run Reset or Step.
func (s *Session) usableLocked() error {
	switch s.state {
	case Ready:
		return nil
	case Closed:
		return ErrClosed
	case Faulted:
		return wrap(ErrFaulted, s.cause)
	default:
		return invalidState("session is %s", s.state)
	}
}

// Reset starts a new episode and returns its first observation. On
// ErrResetTimeout the session stays usable and Reset may be retried. A frame
// error or a transport.ErrOverflow is returned together with the
// observation and leaves the session Ready.
func (s *Session) Reset(opts ResetOptions) (Observation, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	err := s.usableLocked()
	s.mu.Unlock()
	if err != nil {
		return Observation{}, err
	}

	switch s.cfg.ResetPolicy {
	case ResetRelaunch:
		if err := s.relaunch(); err != nil {
			return Observation{}, err
		}
		return s.resetInPlace(opts)
	case ResetFallback:
		obs, err := s.resetInPlace(opts)
		if !errors.Is(err, ErrResetTimeout) {
			return obs, err
		}
		s.log.Warn("in-place reset timed out; relaunching", zap.Error(err))
		if err := s.relaunch(); err != nil {
			return Observation{}, err
		}
		return s.resetInPlace(opts)
	default:
		return s.resetInPlace(opts)
	}
}

func (s *Session) resetInPlace(opts ResetOptions) (Observation, error) {
	start := time.Now()
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return Observation{}, err
	}
	s.state = Resetting
	s.epoch++
	s.seq++
	epoch, seq, tx, rx := s.epoch, s.seq, s.tx, s.rx
	s.mu.Unlock()

	log := s.log.With(zap.Uint64("epoch", epoch), zap.Uint64("seq", seq))
	log.Info("reset")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResetTimeout)
	defer cancel()

	msg := protocol.ActionMsg{
		Sequence:   seq,
		Epoch:      epoch,
		Commands:   opts.Commands,
		ClearInput: true,
		Reset:      true,
	}
	if err := s.send(ctx, tx, msg); err != nil {
		return Observation{}, s.resetFailed(err)
	}

	stale := 0
	var lost error
	for {
		m, err := s.recvObservation(ctx, rx, &lost)
		if err != nil {
			return Observation{}, s.resetFailed(err)
		}
		switch {
		case m.Epoch < epoch:
			stale++
			s.metrics.incStale()
			log.Debug("dropping stale observation", zap.Uint64("obs_epoch", m.Epoch), zap.Uint64("obs_seq", m.Sequence))
			continue
		case m.Epoch > epoch:
			s.metrics.incFuture()
			log.Warn("dropping observation from a later epoch", zap.Uint64("obs_epoch", m.Epoch))
			continue
		}

		obs, ferr := newObservation(m, time.Now())
		s.mu.Lock()
		if s.state == Resetting {
			s.state = Ready
		}
		s.needsReset = false
		s.episodeDone = obs.Terminal
		s.mu.Unlock()

		latency := time.Since(start)
		s.metrics.addReset(latency)
		log.Info("reset complete", zap.Duration("latency", latency), zap.Int("stale", stale))
		ev := ResetEvent{
			InstanceID:  s.instanceID,
			Epoch:       epoch,
			Sequence:    seq,
			Commands:    opts.Commands,
			Observation: obs,
			Latency:     latency,
			Stale:       stale,
			At:          start,
		}
		for _, h := range s.hooks {
			h.OnReset(ev)
		}
		if ferr != nil {
			s.metrics.incFrameErr()
		}
		if err := errors.Join(lost, ferr); err != nil {
			return obs, fmt.Errorf("reset: %w", err)
		}
		return obs, nil
	}
}

// resetFailed keeps the session usable after a timeout and faults it on
// anything else.
func (s *Session) resetFailed(err error) error {
	if errors.Is(err, transport.ErrTimeout) || errors.Is(err, transport.ErrNoPeer) {
		s.mu.Lock()
		if s.state == Closed {
			s.mu.Unlock()
			return ErrClosed
		}
		s.state = Ready
		s.needsReset = true
		s.mu.Unlock()
		s.metrics.incResetTimeout()
		s.log.Warn("reset timed out", zap.Duration("timeout", s.cfg.ResetTimeout), zap.Error(err))
		return wrap(ErrResetTimeout, err)
	}
	return s.fault(fmt.Errorf("reset: %w", err))
}

// Step sends one action and returns the first observation of the current
// epoch produced after the simulation processed it. A timeout faults the
// session. Frame errors and transport.ErrOverflow come back with the
// observation and leave the session Ready.
func (s *Session) Step(a protocol.Action) (Observation, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := time.Now()
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return Observation{}, err
	}
	if s.needsReset {
		s.mu.Unlock()
		return Observation{}, invalidState("step before reset")
	}
	if s.episodeDone {
		s.mu.Unlock()
		return Observation{}, invalidState("step after terminal observation; reset first")
	}
	s.seq++
	epoch, seq, tx, rx := s.epoch, s.seq, s.tx, s.rx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StepTimeout)
	defer cancel()

	if err := s.send(ctx, tx, protocol.NewActionMsg(seq, epoch, a)); err != nil {
		return Observation{}, s.stepFailed(seq, err)
	}

	skipped := 0
	var lost error
	for {
		m, err := s.recvObservation(ctx, rx, &lost)
		if err != nil {
			return Observation{}, s.stepFailed(seq, err)
		}
		if m.Epoch < epoch {
			s.metrics.incStale()
			s.log.Debug("dropping stale observation", zap.Uint64("epoch", epoch), zap.Uint64("obs_epoch", m.Epoch))
			continue
		}
		if m.Epoch > epoch {
			s.metrics.incFuture()
			s.log.Warn("dropping observation from a later epoch", zap.Uint64("epoch", epoch), zap.Uint64("obs_epoch", m.Epoch))
			continue
		}
		// LastActionSequence 0 means the simulation does not report it.
		if m.LastActionSequence != 0 && m.LastActionSequence < seq {
			skipped++
			s.metrics.incSkip()
			if s.cfg.MaxSkip == 0 || skipped < s.cfg.MaxSkip {
				s.log.Debug("skipping observation produced before action",
					zap.Uint64("obs_seq", m.Sequence), zap.Uint64("last_action", m.LastActionSequence), zap.Uint64("waiting", seq))
				continue
			}
			s.metrics.incMaxSkip()
			s.log.Warn("max skip reached; returning unmatched observation",
				zap.Int("max_skip", s.cfg.MaxSkip), zap.Uint64("last_action", m.LastActionSequence), zap.Uint64("waiting", seq))
		}

		obs, ferr := newObservation(m, time.Now())
		if obs.Terminal {
			s.mu.Lock()
			s.episodeDone = true
			s.mu.Unlock()
			s.log.Info("episode ended", zap.Uint64("epoch", epoch), zap.Uint64("seq", seq))
		}
		latency := time.Since(start)
		s.metrics.addStep(latency)
		ev := StepEvent{
			InstanceID:  s.instanceID,
			Epoch:       epoch,
			Sequence:    seq,
			Action:      a,
			Observation: obs,
			Latency:     latency,
			Skipped:     skipped,
			At:          start,
		}
		for _, h := range s.hooks {
			h.OnStep(ev)
		}
		if ferr != nil {
			s.metrics.incFrameErr()
			s.log.Warn("frame rejected", zap.Uint64("obs_seq", m.Sequence), zap.Error(ferr))
		}
		if err := errors.Join(lost, ferr); err != nil {
			return obs, fmt.Errorf("step %d: %w", seq, err)
		}
		return obs, nil
	}
}

func (s *Session) stepFailed(seq uint64, err error) error {
	return s.fault(fmt.Errorf("step %d: %w", seq, err))
}

func (s *Session) send(ctx context.Context, tx transport.Sender, m protocol.ActionMsg) error {
	b, err := s.codec.EncodeAction(m)
	if err != nil {
		return err
	}
	if err := tx.Send(ctx, b); err != nil {
		return err
	}
	s.metrics.incSent()
	return nil
}

// recvObservation returns the next observation, skipping HELLO repeats.
// Decode failures are returned as protocol errors. Receive queue overflows
// are counted, logged and kept in *lost for the caller to report.
func (s *Session) recvObservation(ctx context.Context, rx transport.Receiver, lost *error) (protocol.ObservationMsg, error) {
	for {
		b, err := rx.Recv(ctx)
		if errors.Is(err, transport.ErrOverflow) {
			s.metrics.incOverflow()
			s.log.Warn("observations lost in the receive queue", zap.Error(err))
			*lost = errors.Join(*lost, err)
			continue
		}
		if err != nil {
			return protocol.ObservationMsg{}, err
		}
		m, err := s.codec.Decode(b)
		if err != nil {
			return protocol.ObservationMsg{}, err
		}
		if o, ok := m.(protocol.ObservationMsg); ok {
			s.metrics.incRecv()
			return o, nil
		}
		s.metrics.incIgnored()
	}
}

// relaunch restarts the simulation through the launcher and reconnects.
// The epoch keeps counting so nothing from the old process can match.
func (s *Session) relaunch() error {
	s.metrics.incRelaunch()
	s.mu.Lock()
	tx, rx := s.tx, s.rx
	s.tx, s.rx = nil, nil
	s.mu.Unlock()
	closeQuietly(tx, rx)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResetTimeout)
	defer cancel()
	s.log.Info("relaunching simulation")
	if err := s.launcher.Stop(ctx); err != nil {
		s.log.Warn("stopping simulation failed", zap.Error(err))
	}
	if err := s.launcher.Launch(ctx); err != nil {
		return s.fault(fmt.Errorf("relaunch: %w", err))
	}
	if err := s.open(); err != nil {
		return s.fault(fmt.Errorf("relaunch: %w", err))
	}
	if !s.setState(Ready) {
		return ErrClosed
	}
	return nil
}

// Close releases both channels. It is safe to call more than once and from
// any goroutine; failures while closing are logged, not returned.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = Closed
		tx, rx := s.tx, s.rx
		s.tx, s.rx = nil, nil
		if s.rateStop != nil {
			close(s.rateStop)
			s.rateStop = nil
		}
		s.seq++
		seq, epoch := s.seq, s.epoch
		s.mu.Unlock()

		if s.cfg.StopOnClose && tx != nil && prev != Faulted {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := s.send(ctx, tx, protocol.ActionMsg{Sequence: seq, Epoch: epoch, Stop: true}); err != nil {
				s.log.Warn("stop action not delivered", zap.Error(err))
			}
			cancel()
		}
		if tx != nil {
			if err := tx.Close(); err != nil {
				s.log.Warn("closing action channel", zap.Error(err))
			}
		}
		if rx != nil {
			if err := rx.Close(); err != nil {
				s.log.Warn("closing observation channel", zap.Error(err))
			}
		}
		for _, h := range s.hooks {
			h.OnClose()
		}
		s.log.Info("session closed", zap.Stringer("from", prev), zap.Any("metrics", s.metrics.Snapshot()))
	})
	return nil
}
