package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

// zmqSock wraps a PUSH or PULL socket. ZeroMQ hides peer presence, so a
// silent or missing peer shows up as a send or receive timeout.
type zmqSock struct {
	log    *zap.Logger
	addr   string
	sock   zmq4.Socket
	cancel context.CancelFunc
	in     *inbox

	closed atomic.Bool
	once   sync.Once
}

func openZMQ(ctx context.Context, ep Endpoint, o Options, push bool) (*zmqSock, error) {
	sctx, cancel := context.WithCancel(context.Background())
	zopts := []zmq4.Option{
		zmq4.WithDialerRetry(100 * time.Millisecond),
		zmq4.WithDialerTimeout(time.Second),
	}
	var sock zmq4.Socket
	if push {
		sock = zmq4.NewPush(sctx, zopts...)
	} else {
		sock = zmq4.NewPull(sctx, zopts...)
	}
	z := &zmqSock{log: o.Logger, addr: ep.Addr, sock: sock, cancel: cancel}

	if ep.Role == Bind {
		if err := sock.Listen(ep.Addr); err != nil {
			z.shutdown()
			return nil, wrapf(ErrBind, "%s: %v", ep.Addr, err)
		}
		return z, nil
	}
	dctx, dcancel := o.dialContext(ctx)
	defer dcancel()
	err := retryDial(dctx, o.Logger, ep.Addr, func(context.Context) error {
		return sock.Dial(ep.Addr)
	})
	if err != nil {
		z.shutdown()
		return nil, err
	}
	return z, nil
}

func (z *zmqSock) shutdown() {
	_ = z.sock.Close()
	z.cancel()
}

// Send blocks in the socket until a peer takes the message, so it runs
// aside and the wait is bounded by ctx.
func (z *zmqSock) Send(ctx context.Context, msg []byte) error {
	if z.closed.Load() {
		return ErrClosed
	}
	done := make(chan error, 1)
	go func() { done <- z.sock.Send(zmq4.NewMsg(msg)) }()
	select {
	case err := <-done:
		if err != nil {
			if z.closed.Load() {
				return ErrClosed
			}
			return wrap(ErrDisconnected, err)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return wrapf(ErrNoPeer, "%s: send timed out", z.addr)
		}
		return wrap(ErrClosed, ctx.Err())
	}
}

func (z *zmqSock) readLoop() {
	for {
		msg, err := z.sock.Recv()
		if err != nil {
			if z.closed.Load() {
				z.in.fail(ErrClosed)
			} else {
				z.log.Warn("zmq receive failed", zap.String("addr", z.addr), zap.Error(err))
				z.in.fail(wrap(ErrDisconnected, err))
			}
			return
		}
		if len(msg.Frames) == 0 {
			continue
		}
		z.in.push(msg.Frames[0])
	}
}

func (z *zmqSock) Recv(ctx context.Context) ([]byte, error) {
	return z.in.pop(ctx)
}

func (z *zmqSock) Close() error {
	z.once.Do(func() {
		z.closed.Store(true)
		z.shutdown()
		if z.in != nil {
			z.in.fail(ErrClosed)
		}
	})
	return nil
}

func openZMQSender(ctx context.Context, ep Endpoint, o Options) (Sender, error) {
	z, err := openZMQ(ctx, ep, o, true)
	if err != nil {
		return nil, err
	}
	return z, nil
}

func openZMQReceiver(ctx context.Context, ep Endpoint, o Options) (Receiver, error) {
	z, err := openZMQ(ctx, ep, o, false)
	if err != nil {
		return nil, err
	}
	z.in = newInbox(o)
	go z.readLoop()
	return z, nil
}
