package session

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tickbridge.ai/internal/frame"
	"tickbridge.ai/internal/mocksim"
	"tickbridge.ai/internal/protocol"
	"tickbridge.ai/internal/transport"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type pair struct {
	cfg    Config
	simCfg mocksim.Config
	sim    *mocksim.Sim
}

func addrs(t *testing.T, scheme string) (string, string) {
	return fmt.Sprintf("%s://127.0.0.1:%d", scheme, freePort(t)), fmt.Sprintf("%s://127.0.0.1:%d", scheme, freePort(t))
}

func testConfig(act, obs transport.Endpoint) Config {
	return Config{
		Action:         act,
		Observation:    obs,
		ConnectTimeout: 5 * time.Second,
		StepTimeout:    2 * time.Second,
		ResetTimeout:   5 * time.Second,
		HelloInterval:  100 * time.Millisecond,
		RateInterval:   -1,
	}
}

func runSim(t *testing.T, cfg mocksim.Config, opts ...mocksim.Option) *mocksim.Sim {
	t.Helper()
	sim := mocksim.New(cfg, append([]mocksim.Option{mocksim.WithLogger(zaptest.NewLogger(t).Named("sim"))}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sim
}

// newPair starts a mock simulation binding both channels and returns a
// client config that connects to it.
func newPair(t *testing.T, scheme string, opts ...mocksim.Option) pair {
	t.Helper()
	act, obs := addrs(t, scheme)
	simCfg := mocksim.Config{
		Action:      transport.Endpoint{Addr: act, Role: transport.Bind},
		Observation: transport.Endpoint{Addr: obs, Role: transport.Bind},
		Width:       8,
		Height:      6,
	}
	sim := runSim(t, simCfg, opts...)
	return pair{
		cfg:    testConfig(simCfg.Action.Invert(), simCfg.Observation.Invert()),
		simCfg: simCfg,
		sim:    sim,
	}
}

func connect(t *testing.T, cfg Config, opts ...Option) *Session {
	t.Helper()
	s, err := Connect(cfg, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NotNil(t, s)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, err)
	return s
}

func TestResetAndStep(t *testing.T) {
	p := newPair(t, "ws")
	s := connect(t, p.cfg)
	assert.Equal(t, Ready, s.State())
	assert.Equal(t, "mocksim", s.Peer().InstanceID)

	_, err := s.Step(protocol.Action{})
	require.ErrorIs(t, err, ErrInvalidState)

	obs, err := s.Reset(ResetOptions{Commands: []string{"time set day"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, obs.Epoch)
	assert.Equal(t, 8, obs.Frame.Width())
	assert.Equal(t, 6, obs.Frame.Height())
	assert.Equal(t, 8*6*frame.BytesPerPixel, obs.Frame.Len())

	for i := 0; i < 5; i++ {
		obs, err = s.Step(protocol.Action{
			Inputs:      []protocol.InputEvent{protocol.KeyPress(87)},
			CursorDelta: [2]float64{0.25, -0.125},
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, obs.Epoch)
		assert.Equal(t, s.Sequence(), obs.LastActionSequence)
		assert.False(t, obs.Terminal)
	}
	assert.InDelta(t, 1.25, obs.State.Yaw, 1e-9)
	assert.EqualValues(t, 5, s.Metrics().Steps)
}

func TestVersionMismatchFaults(t *testing.T) {
	p := newPair(t, "ws", mocksim.WithHelloVersion(4))
	s, err := Connect(p.cfg, WithLogger(zaptest.NewLogger(t)))
	require.NotNil(t, s)
	require.ErrorIs(t, err, protocol.ErrVersionMismatch)
	assert.Equal(t, Faulted, s.State())
	assert.Equal(t, protocol.CodeVersionMismatch, protocol.CodeOf(s.Err()))

	_, err = s.Reset(ResetOptions{})
	require.ErrorIs(t, err, ErrFaulted)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.State())
}

func TestResetDiscardsStaleEpochs(t *testing.T) {
	p := newPair(t, "ws", mocksim.WithStaleBeforeReset(3))
	var events []ResetEvent
	s := connect(t, p.cfg, WithHooks(HookFuncs{Reset: func(ev ResetEvent) { events = append(events, ev) }}))

	obs, err := s.Reset(ResetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, obs.Epoch)

	_, err = s.Step(protocol.Action{})
	require.NoError(t, err)

	obs, err = s.Reset(ResetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, obs.Epoch)

	require.Len(t, events, 2)
	assert.Equal(t, 3, events[0].Stale)
	assert.Equal(t, 3, events[1].Stale)
	assert.EqualValues(t, 6, s.Metrics().StaleDropped)
}

func TestStepTimeoutFaults(t *testing.T) {
	p := newPair(t, "ws", mocksim.WithSilenceAfter(1))
	cfg := p.cfg
	cfg.StepTimeout = 200 * time.Millisecond
	s := connect(t, cfg)

	_, err := s.Reset(ResetOptions{})
	require.NoError(t, err)
	_, err = s.Step(protocol.Action{})
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Step(protocol.Action{})
	elapsed := time.Since(start)
	require.ErrorIs(t, err, transport.ErrTimeout)
	assert.Less(t, elapsed, cfg.StepTimeout+time.Second)
	assert.Equal(t, Faulted, s.State())

	_, err = s.Step(protocol.Action{})
	require.ErrorIs(t, err, ErrFaulted)
}

func TestResetTimeoutIsRetryable(t *testing.T) {
	p := newPair(t, "ws", mocksim.WithResetDelays(500*time.Millisecond))
	cfg := p.cfg
	cfg.ResetTimeout = 150 * time.Millisecond
	s := connect(t, cfg)

	_, err := s.Reset(ResetOptions{})
	require.ErrorIs(t, err, ErrResetTimeout)
	assert.Equal(t, Ready, s.State())

	_, err = s.Step(protocol.Action{})
	require.ErrorIs(t, err, ErrInvalidState)

	var obs Observation
	for i := 0; i < 20; i++ {
		obs, err = s.Reset(ResetOptions{})
		if err == nil {
			break
		}
		require.ErrorIs(t, err, ErrResetTimeout)
	}
	require.NoError(t, err)
	assert.Equal(t, s.Epoch(), obs.Epoch)
	assert.Equal(t, Ready, s.State())
	_, err = s.Step(protocol.Action{})
	require.NoError(t, err)
}

func TestTerminalRequiresReset(t *testing.T) {
	p := newPair(t, "ws", mocksim.WithTerminalAfter(2))
	s := connect(t, p.cfg)

	_, err := s.Reset(ResetOptions{})
	require.NoError(t, err)
	obs, err := s.Step(protocol.Action{})
	require.NoError(t, err)
	assert.False(t, obs.Terminal)
	obs, err = s.Step(protocol.Action{})
	require.NoError(t, err)
	assert.True(t, obs.Terminal)

	_, err = s.Step(protocol.Action{})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, Ready, s.State())

	obs, err = s.Reset(ResetOptions{})
	require.NoError(t, err)
	assert.False(t, obs.Terminal)
	_, err = s.Step(protocol.Action{})
	require.NoError(t, err)
}

func TestStepSkipsObservationsBeforeAction(t *testing.T) {
	p := newPair(t, "ws", mocksim.WithLag(2))
	s := connect(t, p.cfg)
	_, err := s.Reset(ResetOptions{})
	require.NoError(t, err)

	obs, err := s.Step(protocol.Action{})
	require.NoError(t, err)
	assert.Equal(t, s.Sequence(), obs.LastActionSequence)
	assert.EqualValues(t, 2, s.Metrics().Skipped)
}

func TestMaxSkipReturnsUnmatched(t *testing.T) {
	p := newPair(t, "ws", mocksim.WithLag(3))
	cfg := p.cfg
	cfg.MaxSkip = 1
	s := connect(t, cfg)
	_, err := s.Reset(ResetOptions{})
	require.NoError(t, err)

	obs, err := s.Step(protocol.Action{})
	require.NoError(t, err)
	assert.Less(t, obs.LastActionSequence, s.Sequence())
	assert.EqualValues(t, 1, s.Metrics().MaxSkipReached)
}

func TestFrameErrorKeepsSession(t *testing.T) {
	p := newPair(t, "ws", mocksim.WithCorruptFrameAt(1))
	s := connect(t, p.cfg)
	_, err := s.Reset(ResetOptions{})
	require.NoError(t, err)

	obs, err := s.Step(protocol.Action{})
	require.ErrorIs(t, err, frame.ErrSizeMismatch)
	assert.True(t, obs.Frame.Empty())
	assert.InDelta(t, 20, obs.State.Health, 1e-9)
	assert.Equal(t, Ready, s.State())

	obs, err = s.Step(protocol.Action{})
	require.NoError(t, err)
	assert.False(t, obs.Frame.Empty())
}

// lossyOpener opens real sockets and makes the observation receiver report
// one queue overflow each time arm is called.
type lossyOpener struct {
	armed atomic.Int32
}

func (o *lossyOpener) arm() { o.armed.Add(1) }

func (o *lossyOpener) OpenSender(ctx context.Context, ep transport.Endpoint, opts ...transport.Option) (transport.Sender, error) {
	return transport.Default.OpenSender(ctx, ep, opts...)
}

func (o *lossyOpener) OpenReceiver(ctx context.Context, ep transport.Endpoint, opts ...transport.Option) (transport.Receiver, error) {
	rx, err := transport.Default.OpenReceiver(ctx, ep, opts...)
	if err != nil {
		return nil, err
	}
	return &lossyReceiver{Receiver: rx, o: o}, nil
}

type lossyReceiver struct {
	transport.Receiver
	o *lossyOpener
}

func (r *lossyReceiver) Recv(ctx context.Context) ([]byte, error) {
	for n := r.o.armed.Load(); n > 0; n = r.o.armed.Load() {
		if r.o.armed.CompareAndSwap(n, n-1) {
			return nil, fmt.Errorf("%w: 3 messages dropped", transport.ErrOverflow)
		}
	}
	return r.Receiver.Recv(ctx)
}

func TestOverflowReturnedWithObservation(t *testing.T) {
	p := newPair(t, "ws")
	o := &lossyOpener{}
	s := connect(t, p.cfg, WithTransport(o))

	o.arm()
	obs, err := s.Reset(ResetOptions{})
	require.ErrorIs(t, err, transport.ErrOverflow)
	assert.Equal(t, protocol.CodeOverflow, protocol.CodeOf(err))
	assert.False(t, obs.Frame.Empty())
	assert.Equal(t, Ready, s.State())

	o.arm()
	obs, err = s.Step(protocol.Action{})
	require.ErrorIs(t, err, transport.ErrOverflow)
	assert.False(t, obs.Frame.Empty())
	assert.Equal(t, s.Sequence(), obs.LastActionSequence)
	assert.Equal(t, Ready, s.State())

	_, err = s.Step(protocol.Action{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.Metrics().Snapshot()["overflows"])
}

func TestCloseIsIdempotent(t *testing.T) {
	p := newPair(t, "ws")
	s := connect(t, p.cfg)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.State())

	_, err := s.Reset(ResetOptions{})
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Step(protocol.Action{})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Connect(), ErrClosed)
}

func TestCloseUnblocksStep(t *testing.T) {
	p := newPair(t, "ws", mocksim.WithSilenceAfter(1))
	cfg := p.cfg
	cfg.StepTimeout = 30 * time.Second
	s := connect(t, cfg)
	_, err := s.Reset(ResetOptions{})
	require.NoError(t, err)
	_, err = s.Step(protocol.Action{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Step(protocol.Action{})
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not unblock Step")
	}
	assert.Equal(t, Closed, s.State())
}

func TestStopOnClose(t *testing.T) {
	p := newPair(t, "ws")
	cfg := p.cfg
	cfg.StopOnClose = true
	s := connect(t, cfg)
	_, err := s.Reset(ResetOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	select {
	case <-p.sim.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("simulation never saw the stop action")
	}
}

func TestHooksSeeEveryCall(t *testing.T) {
	p := newPair(t, "ws")
	var resets, steps, closes atomic.Int32
	s := connect(t, p.cfg, WithHooks(HookFuncs{
		Reset: func(ResetEvent) { resets.Add(1) },
		Step: func(ev StepEvent) {
			steps.Add(1)
			assert.Equal(t, ev.Sequence, ev.Observation.LastActionSequence)
		},
		Close: func() { closes.Add(1) },
	}))
	_, err := s.Reset(ResetOptions{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = s.Step(protocol.Action{})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.EqualValues(t, 1, resets.Load())
	assert.EqualValues(t, 3, steps.Load())
	assert.EqualValues(t, 1, closes.Load())
}

func TestEpochNeverGoesBack(t *testing.T) {
	p := newPair(t, "ws", mocksim.WithStaleBeforeReset(2), mocksim.WithTerminalAfter(4))
	s := connect(t, p.cfg)
	rng := rand.New(rand.NewSource(7))

	obs, err := s.Reset(ResetOptions{})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		if obs.Terminal || rng.Intn(5) == 0 {
			obs, err = s.Reset(ResetOptions{})
		} else {
			obs, err = s.Step(protocol.Action{CursorDelta: [2]float64{rng.Float64(), 0}})
		}
		require.NoError(t, err)
		require.Equal(t, s.Epoch(), obs.Epoch)
	}
}

func TestZMQSession(t *testing.T) {
	p := newPair(t, "tcp")
	s := connect(t, p.cfg)
	obs, err := s.Reset(ResetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, obs.Epoch)
	obs, err = s.Step(protocol.Action{Inputs: []protocol.InputEvent{protocol.KeyPress(87)}})
	require.NoError(t, err)
	assert.Equal(t, s.Sequence(), obs.LastActionSequence)
}

func TestClientBindsObservationChannel(t *testing.T) {
	act, obs := addrs(t, "ws")
	simCfg := mocksim.Config{
		Action:      transport.Endpoint{Addr: act, Role: transport.Bind},
		Observation: transport.Endpoint{Addr: obs, Role: transport.Connect},
		Width:       4,
		Height:      4,
	}
	runSim(t, simCfg)
	s := connect(t, testConfig(simCfg.Action.Invert(), simCfg.Observation.Invert()))
	o, err := s.Reset(ResetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, o.Frame.Width())
}

func TestAsyncMode(t *testing.T) {
	act, obs := addrs(t, "ws")
	simCfg := mocksim.Config{
		Action:      transport.Endpoint{Addr: act, Role: transport.Bind},
		Observation: transport.Endpoint{Addr: obs, Role: transport.Bind},
		Mode:        protocol.ModeAsync,
		TickRate:    100,
		Width:       4,
		Height:      4,
	}
	runSim(t, simCfg)
	cfg := testConfig(simCfg.Action.Invert(), simCfg.Observation.Invert())
	cfg.Mode = protocol.ModeAsync
	s := connect(t, cfg)

	o, err := s.Reset(ResetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, o.Epoch)
	for i := 0; i < 5; i++ {
		o, err = s.Step(protocol.Action{})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, o.LastActionSequence, s.Sequence())
	}
}

func TestConnectNoSimulation(t *testing.T) {
	act, obs := addrs(t, "ws")
	cfg := testConfig(transport.Endpoint{Addr: act, Role: transport.Connect}, transport.Endpoint{Addr: obs, Role: transport.Connect})
	cfg.ConnectTimeout = 200 * time.Millisecond
	s, err := Connect(cfg)
	require.NotNil(t, s)
	require.ErrorIs(t, err, transport.ErrNoPeer)
	assert.Equal(t, Faulted, s.State())
	require.NoError(t, s.Close())
}

func TestPolicyNeedsLauncher(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetPolicy = ResetRelaunch
	_, err := New(cfg)
	require.Error(t, err)

	cfg.ResetPolicy = "sometimes"
	_, err = New(cfg, WithLauncher(&simLauncher{}))
	require.Error(t, err)
}

// simLauncher starts a fresh mock simulation on every Launch.
type simLauncher struct {
	t        *testing.T
	cfg      mocksim.Config
	opts     []mocksim.Option
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan error
	launches int
	stops    int
}

func (l *simLauncher) Launch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	sim := mocksim.New(l.cfg, l.opts...)
	sctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan error, 1)
	done := l.done
	go func() { done <- sim.Run(sctx) }()
	select {
	case <-sim.Ready():
		return nil
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *simLauncher) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return nil
	}
	l.stops++
	l.cancel()
	l.cancel = nil
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRelaunchPolicy(t *testing.T) {
	act, obs := addrs(t, "ws")
	l := &simLauncher{t: t, cfg: mocksim.Config{
		Action:      transport.Endpoint{Addr: act, Role: transport.Bind},
		Observation: transport.Endpoint{Addr: obs, Role: transport.Bind},
		Width:       4,
		Height:      4,
	}}
	require.NoError(t, l.Launch(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })

	cfg := testConfig(l.cfg.Action.Invert(), l.cfg.Observation.Invert())
	cfg.ResetPolicy = ResetRelaunch
	s := connect(t, cfg, WithLauncher(l))

	o, err := s.Reset(ResetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, o.Epoch)
	_, err = s.Step(protocol.Action{})
	require.NoError(t, err)

	o, err = s.Reset(ResetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, o.Epoch)
	assert.Equal(t, 3, l.launches)
	assert.EqualValues(t, 2, s.Metrics().Relaunches)
}

func TestFallbackRelaunchesAfterTimeout(t *testing.T) {
	act, obs := addrs(t, "ws")
	l := &simLauncher{t: t, cfg: mocksim.Config{
		Action:      transport.Endpoint{Addr: act, Role: transport.Bind},
		Observation: transport.Endpoint{Addr: obs, Role: transport.Bind},
		Width:       4,
		Height:      4,
	}, opts: []mocksim.Option{mocksim.WithResetDelays(10 * time.Second)}}
	require.NoError(t, l.Launch(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })

	cfg := testConfig(l.cfg.Action.Invert(), l.cfg.Observation.Invert())
	cfg.ResetPolicy = ResetFallback
	cfg.ResetTimeout = 300 * time.Millisecond
	s := connect(t, cfg, WithLauncher(l))

	// The relaunched simulation delays its first reset too, so the retry
	// times out as well; the session must stay usable.
	_, err := s.Reset(ResetOptions{})
	require.ErrorIs(t, err, ErrResetTimeout)
	assert.Equal(t, Ready, s.State())
	assert.Equal(t, 2, l.launches)

	l.opts = nil
	_, err = s.Reset(ResetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, l.launches)
}
