package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickbridge.ai/internal/protocol"
)

func TestInboxFIFO(t *testing.T) {
	q := newInbox(Options{Buffer: 2})
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c"))

	ctx := context.Background()
	_, err := q.pop(ctx)
	require.ErrorIs(t, err, ErrOverflow)
	assert.Contains(t, err.Error(), "1 messages dropped")
	b, err := q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(b))
	b, err = q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", string(b))
	assert.EqualValues(t, 1, q.dropped.Load())
}

func TestInboxOverflowReportedOncePerLoss(t *testing.T) {
	q := newInbox(Options{Buffer: 1})
	for _, s := range []string{"a", "b", "c"} {
		q.push([]byte(s))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.pop(ctx)
	require.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, protocol.CodeOverflow, protocol.CodeOf(err))
	assert.Contains(t, err.Error(), "2 messages dropped")
	b, err := q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", string(b))
	_, err = q.pop(ctx)
	require.ErrorIs(t, err, ErrTimeout)

	q.push([]byte("d"))
	q.push([]byte("e"))
	_, err = q.pop(context.Background())
	require.ErrorIs(t, err, ErrOverflow)
	b, err = q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "e", string(b))
}

func TestInboxLatestOnly(t *testing.T) {
	q := newInbox(Options{Buffer: 8, LatestOnly: true})
	for _, s := range []string{"1", "2", "3"} {
		q.push([]byte(s))
	}
	assert.Equal(t, 1, q.len())
	b, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3", string(b))
	assert.EqualValues(t, 2, q.dropped.Load())
}

func TestInboxTimeoutAndFail(t *testing.T) {
	q := newInbox(Options{Buffer: 4})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := q.pop(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	q.push([]byte("last"))
	q.fail(ErrClosed)
	b, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last", string(b))
	_, err = q.pop(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestInboxWakesWaiter(t *testing.T) {
	q := newInbox(Options{Buffer: 4})
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.push([]byte("x"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))
}
