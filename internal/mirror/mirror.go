package mirror

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Uploader is the part of Client the mirror needs.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Options struct {
	// Prefix is prepended to the file base name to form the object key.
	Prefix      string
	Workers     int
	Queue       int
	EnqueueWait time.Duration
	Attempts    int
	Logger      *zap.Logger
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	Enqueued      uint64
	Saturated     uint64
	Dropped       uint64
	Uploaded      uint64
	Failed        uint64
	LastSuccessAt time.Time
	LastFailureAt time.Time
}

// Mirror uploads closed files from a bounded queue. Enqueue never blocks for
// longer than EnqueueWait; a file that does not fit is dropped and counted.
type Mirror struct {
	up     Uploader
	prefix string
	log    *zap.Logger

	jobs        chan string
	enqueueWait time.Duration
	attempts    int
	backoff     func(attempt int) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	enqueued  atomic.Uint64
	saturated atomic.Uint64
	dropped   atomic.Uint64
	uploaded  atomic.Uint64
	failed    atomic.Uint64
	lastOK    atomic.Int64
	lastErr   atomic.Int64
}

func New(up Uploader, opts Options) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		up:          up,
		prefix:      strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/"),
		log:         log,
		jobs:        make(chan string, opts.Queue),
		enqueueWait: opts.EnqueueWait,
		attempts:    opts.Attempts,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * 200 * time.Millisecond
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Enqueue schedules localPath for upload. Safe to call after Close, which
// drops the file.
func (m *Mirror) Enqueue(localPath string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	m.saturated.Add(1)
	t := time.NewTimer(m.enqueueWait)
	defer t.Stop()
	select {
	case m.jobs <- localPath:
	case <-t.C:
		n := m.dropped.Add(1)
		m.log.Warn("mirror queue full, dropping file", zap.String("path", localPath), zap.Uint64("dropped_total", n))
	}
}

// Close stops accepting files and waits for queued uploads. When ctx ends
// first, in-flight uploads are cancelled and the rest are abandoned.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.jobs)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func (m *Mirror) Stats() Stats {
	s := Stats{
		QueueDepth:    len(m.jobs),
		QueueCapacity: cap(m.jobs),
		Enqueued:      m.enqueued.Load(),
		Saturated:     m.saturated.Load(),
		Dropped:       m.dropped.Load(),
		Uploaded:      m.uploaded.Load(),
		Failed:        m.failed.Load(),
	}
	if ns := m.lastOK.Load(); ns != 0 {
		s.LastSuccessAt = time.Unix(0, ns)
	}
	if ns := m.lastErr.Load(); ns != 0 {
		s.LastFailureAt = time.Unix(0, ns)
	}
	return s
}

// Key is the object key for localPath.
func (m *Mirror) Key(localPath string) string {
	base := filepath.Base(localPath)
	if m.prefix == "" {
		return base
	}
	return path.Join(m.prefix, base)
}

func (m *Mirror) worker() {
	defer m.wg.Done()
	for p := range m.jobs {
		m.uploadOne(p)
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key := m.Key(localPath)
	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.failed.Add(1)
		m.lastErr.Store(time.Now().UnixNano())
		m.log.Warn("mirror upload failed", zap.String("key", key), zap.String("path", localPath), zap.Error(err))
		return
	}
	m.uploaded.Add(1)
	m.lastOK.Store(time.Now().UnixNano())
	m.log.Debug("mirror uploaded", zap.String("key", key), zap.String("path", localPath))
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
		err := m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(m.ctx.Err(), context.Canceled) || attempt == m.attempts {
			break
		}
		t := time.NewTimer(m.backoff(attempt))
		select {
		case <-t.C:
		case <-m.ctx.Done():
			t.Stop()
			return lastErr
		}
	}
	return lastErr
}
