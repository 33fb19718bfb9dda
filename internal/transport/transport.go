// Package transport provides the two one-way message channels between the
// client and the simulation. Each endpoint either binds (listens) or
// connects (dials). tcp:// and ipc:// endpoints use ZeroMQ PUSH/PULL sockets;
// ws:// endpoints carry binary websocket messages.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Role string

const (
	Bind    Role = "bind"
	Connect Role = "connect"
)

func (r Role) Valid() bool { return r == Bind || r == Connect }

// Endpoint is one side of a channel.
type Endpoint struct {
	Addr string `yaml:"addr"`
	Role Role   `yaml:"role"`
}

func (e Endpoint) String() string { return string(e.Role) + " " + e.Addr }

// Invert returns the endpoint the peer should use.
func (e Endpoint) Invert() Endpoint {
	if e.Role == Bind {
		return Endpoint{Addr: e.Addr, Role: Connect}
	}
	return Endpoint{Addr: e.Addr, Role: Bind}
}

func (e Endpoint) scheme() (string, error) {
	u, err := url.Parse(e.Addr)
	if err != nil {
		return "", fmt.Errorf("endpoint %q: %w", e.Addr, err)
	}
	s := strings.ToLower(u.Scheme)
	switch s {
	case "tcp", "ipc", "ws":
		return s, nil
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", e.Addr, u.Scheme)
	}
}

// Validate checks the role and the address scheme.
func (e Endpoint) Validate() error {
	if !e.Role.Valid() {
		return fmt.Errorf("endpoint %q: bad role %q", e.Addr, e.Role)
	}
	_, err := e.scheme()
	return err
}

// Sender is the writing end of a channel.
type Sender interface {
	// Send delivers one message. A bind-role sender waits for a peer until
	// ctx is done.
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Receiver is the reading end of a channel.
type Receiver interface {
	// Recv returns the next queued message, waiting until ctx is done. In
	// FIFO mode a Recv after dropped messages returns ErrOverflow once.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

type Options struct {
	// ConnectTimeout bounds dialing when the open context has no deadline.
	ConnectTimeout time.Duration
	// Buffer is the receive queue capacity. When it is full the oldest
	// message is dropped and the next Recv returns ErrOverflow.
	Buffer int
	// LatestOnly keeps a single undelivered message, replacing it on arrival.
	LatestOnly bool
	Logger     *zap.Logger
}

type Option func(*Options)

func WithConnectTimeout(d time.Duration) Option { return func(o *Options) { o.ConnectTimeout = d } }
func WithBuffer(n int) Option                   { return func(o *Options) { o.Buffer = n } }
func WithLatestOnly(v bool) Option              { return func(o *Options) { o.LatestOnly = v } }
func WithLogger(l *zap.Logger) Option           { return func(o *Options) { o.Logger = l } }

func buildOptions(opts []Option) Options {
	o := Options{
		ConnectTimeout: 30 * time.Second,
		Buffer:         1024,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.Buffer <= 0 {
		o.Buffer = 1
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// dialContext applies ConnectTimeout when ctx carries no deadline.
func (o Options) dialContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || o.ConnectTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.ConnectTimeout)
}

// OpenSender opens the writing end of a channel. Binding returns as soon as
// the listener is up; connecting retries until a peer accepts or the connect
// timeout passes (ErrNoPeer).
func OpenSender(ctx context.Context, ep Endpoint, opts ...Option) (Sender, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	s, _ := ep.scheme()
	if s == "ws" {
		return openWSSender(ctx, ep, o)
	}
	return openZMQSender(ctx, ep, o)
}

// OpenReceiver opens the reading end of a channel, with the same role rules
// as OpenSender.
func OpenReceiver(ctx context.Context, ep Endpoint, opts ...Option) (Receiver, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	s, _ := ep.scheme()
	if s == "ws" {
		return openWSReceiver(ctx, ep, o)
	}
	return openZMQReceiver(ctx, ep, o)
}

// Opener opens channel ends. Sessions take one so tests can substitute
// in-memory channels.
type Opener interface {
	OpenSender(ctx context.Context, ep Endpoint, opts ...Option) (Sender, error)
	OpenReceiver(ctx context.Context, ep Endpoint, opts ...Option) (Receiver, error)
}

type defaultOpener struct{}

func (defaultOpener) OpenSender(ctx context.Context, ep Endpoint, opts ...Option) (Sender, error) {
	return OpenSender(ctx, ep, opts...)
}

func (defaultOpener) OpenReceiver(ctx context.Context, ep Endpoint, opts ...Option) (Receiver, error) {
	return OpenReceiver(ctx, ep, opts...)
}

// Default opens real sockets.
var Default Opener = defaultOpener{}

// retryDial calls dial with capped exponential backoff until it succeeds or
// ctx ends, in which case the last dial error is reported as ErrNoPeer.
func retryDial(ctx context.Context, log *zap.Logger, addr string, dial func(context.Context) error) error {
	backoff := 50 * time.Millisecond
	var last error
	for {
		err := dial(ctx)
		if err == nil {
			return nil
		}
		last = err
		log.Debug("dial failed; retrying", zap.String("addr", addr), zap.Duration("backoff", backoff), zap.Error(err))
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return wrapf(ErrNoPeer, "%s: %v", addr, last)
		case <-t.C:
		}
		backoff *= 2
		if backoff > time.Second {
			backoff = time.Second
		}
	}
}
