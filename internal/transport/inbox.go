package transport

import (
	"context"
	"sync"
	"sync/atomic"
)

// inbox decouples a socket's reader goroutine from Recv. FIFO mode keeps up
// to max messages and reports dropped ones through ErrOverflow; latest mode
// keeps only the newest one and drops silently.
type inbox struct {
	mu     sync.Mutex
	items  [][]byte
	max    int
	latest bool
	err    error
	lost   uint64 // FIFO drops not yet reported by pop

	signal  chan struct{}
	dropped atomic.Uint64
}

func newInbox(o Options) *inbox {
	return &inbox{
		max:    o.Buffer,
		latest: o.LatestOnly,
		signal: make(chan struct{}, 1),
	}
}

func (q *inbox) push(b []byte) {
	q.mu.Lock()
	switch {
	case q.latest:
		if len(q.items) > 0 {
			q.dropped.Add(uint64(len(q.items)))
		}
		q.items = append(q.items[:0], b)
	case len(q.items) >= q.max:
		q.items = append(q.items[1:], b)
		q.lost++
		q.dropped.Add(1)
	default:
		q.items = append(q.items, b)
	}
	q.mu.Unlock()
	q.notify()
}

// fail records the first terminal error. Queued messages stay readable.
func (q *inbox) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.notify()
}

func (q *inbox) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop returns the next message. After a FIFO overflow it first returns
// ErrOverflow once, carrying the number of messages lost since the last
// report; the following pop returns the oldest surviving message.
func (q *inbox) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if n := q.lost; n > 0 {
			q.lost = 0
			q.mu.Unlock()
			return nil, wrapf(ErrOverflow, "%d messages dropped", n)
		}
		if len(q.items) > 0 {
			b := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.notify()
			}
			return b, nil
		}
		err := q.err
		q.mu.Unlock()
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctxErr(ctx, "waiting for message")
		case <-q.signal:
		}
	}
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
