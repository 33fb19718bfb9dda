package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsReadLimit    = 64 << 20
	wsWriteTimeout = 5 * time.Second
)

func writeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(wsWriteTimeout)
}

func closeWS(c *websocket.Conn) {
	_ = c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.Close()
}

// wsBind listens for a single peer. A new peer replaces the current one so a
// relaunched simulation can take over the channel.
type wsBind struct {
	log      *zap.Logger
	addr     string
	in       *inbox // nil on the sending side
	srv      *http.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conn   *websocket.Conn
	ready  chan struct{} // closed while a peer is attached
	gone   bool          // a peer was attached and left
	closed bool

	wmu  sync.Mutex
	once sync.Once
}

func listenWS(ep Endpoint, o Options, in *inbox) (*wsBind, error) {
	u, err := url.Parse(ep.Addr)
	if err != nil {
		return nil, wrap(ErrBind, err)
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, wrapf(ErrBind, "%s: %v", ep.Addr, err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	b := &wsBind{
		log:   o.Logger,
		addr:  ep.Addr,
		in:    in,
		ready: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, b.handle)
	b.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Warn("ws listener stopped", zap.String("addr", b.addr), zap.Error(err))
		}
	}()
	return b, nil
}

func (b *wsBind) handle(rw http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)
	if !b.attach(conn) {
		closeWS(conn)
		return
	}
	b.log.Debug("peer attached", zap.String("addr", b.addr), zap.String("remote", r.RemoteAddr))

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			b.detach(conn, err)
			return
		}
		if b.in != nil && typ == websocket.BinaryMessage {
			b.in.push(msg)
		}
	}
}

func (b *wsBind) attach(c *websocket.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if b.conn != nil {
		b.log.Info("peer replaced", zap.String("addr", b.addr))
		_ = b.conn.Close()
	} else {
		close(b.ready)
	}
	b.conn = c
	b.gone = false
	return true
}

func (b *wsBind) detach(c *websocket.Conn, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != c {
		return
	}
	b.conn = nil
	b.ready = make(chan struct{})
	if !b.closed {
		b.gone = true
		b.log.Info("peer disconnected", zap.String("addr", b.addr), zap.Error(err))
	}
}

func (b *wsBind) peer(ctx context.Context) (*websocket.Conn, error) {
	for {
		b.mu.Lock()
		c, ready, gone, closed := b.conn, b.ready, b.gone, b.closed
		b.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		if c != nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			if gone {
				return nil, wrapf(ErrDisconnected, "%s", b.addr)
			}
			return nil, wrapf(ErrNoPeer, "%s", b.addr)
		case <-ready:
		}
	}
}

func (b *wsBind) Send(ctx context.Context, msg []byte) error {
	c, err := b.peer(ctx)
	if err != nil {
		return err
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()
	_ = c.SetWriteDeadline(writeDeadline(ctx))
	if err := c.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		b.detach(c, err)
		return wrap(ErrDisconnected, err)
	}
	return nil
}

func (b *wsBind) Recv(ctx context.Context) ([]byte, error) {
	msg, err := b.in.pop(ctx)
	if errors.Is(err, ErrTimeout) {
		b.mu.Lock()
		gone := b.gone
		b.mu.Unlock()
		if gone {
			return nil, wrapf(ErrDisconnected, "%s", b.addr)
		}
	}
	return msg, err
}

func (b *wsBind) Close() error {
	var err error
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		c := b.conn
		b.conn = nil
		b.mu.Unlock()
		if c != nil {
			b.wmu.Lock()
			closeWS(c)
			b.wmu.Unlock()
		}
		err = b.srv.Close()
		if b.in != nil {
			b.in.fail(ErrClosed)
		}
	})
	return err
}

// wsDial is a dialed connection. The read loop runs on both sides so close
// frames are processed and a dead peer is noticed.
type wsDial struct {
	log  *zap.Logger
	addr string
	conn *websocket.Conn
	in   *inbox

	dead   atomic.Bool
	closed atomic.Bool
	wmu    sync.Mutex
	once   sync.Once
}

func dialWS(ctx context.Context, ep Endpoint, o Options, in *inbox) (*wsDial, error) {
	ctx, cancel := o.dialContext(ctx)
	defer cancel()
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	var conn *websocket.Conn
	err := retryDial(ctx, o.Logger, ep.Addr, func(ctx context.Context) error {
		c, resp, err := dialer.DialContext(ctx, ep.Addr, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)
	d := &wsDial{log: o.Logger, addr: ep.Addr, conn: conn, in: in}
	go d.readLoop()
	return d, nil
}

func (d *wsDial) readLoop() {
	for {
		typ, msg, err := d.conn.ReadMessage()
		if err != nil {
			d.dead.Store(true)
			if d.in != nil {
				if d.closed.Load() {
					d.in.fail(ErrClosed)
				} else {
					d.in.fail(wrap(ErrDisconnected, err))
				}
			}
			if !d.closed.Load() {
				d.log.Info("peer disconnected", zap.String("addr", d.addr), zap.Error(err))
			}
			return
		}
		if d.in != nil && typ == websocket.BinaryMessage {
			d.in.push(msg)
		}
	}
}

func (d *wsDial) Send(ctx context.Context, msg []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.dead.Load() {
		return wrapf(ErrDisconnected, "%s", d.addr)
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	_ = d.conn.SetWriteDeadline(writeDeadline(ctx))
	if err := d.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		d.dead.Store(true)
		return wrap(ErrDisconnected, err)
	}
	return nil
}

func (d *wsDial) Recv(ctx context.Context) ([]byte, error) {
	return d.in.pop(ctx)
}

func (d *wsDial) Close() error {
	d.once.Do(func() {
		d.closed.Store(true)
		d.wmu.Lock()
		closeWS(d.conn)
		d.wmu.Unlock()
		if d.in != nil {
			d.in.fail(ErrClosed)
		}
	})
	return nil
}

func openWSSender(ctx context.Context, ep Endpoint, o Options) (Sender, error) {
	if ep.Role == Bind {
		b, err := listenWS(ep, o, nil)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	d, err := dialWS(ctx, ep, o, nil)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func openWSReceiver(ctx context.Context, ep Endpoint, o Options) (Receiver, error) {
	in := newInbox(o)
	if ep.Role == Bind {
		b, err := listenWS(ep, o, in)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	d, err := dialWS(ctx, ep, o, in)
	if err != nil {
		return nil, err
	}
	return d, nil
}
