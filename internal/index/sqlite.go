// Package index keeps a sqlite table of episodes (one row per reset epoch)
// so runs can be listed without scanning traces. Writes go through a queue
// and a single writer goroutine; when the writer falls behind, events are
// dropped and counted. Trace files remain the source of truth.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"tickbridge.ai/internal/session"
)

const schemaVersion = "1"

type SQLiteIndex struct {
	db  *sql.DB
	log *zap.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex // held for reading while enqueueing
	closed bool

	dropReset atomic.Uint64
	dropStep  atomic.Uint64
	writeErr  atomic.Uint64
}

var _ session.Hooks = (*SQLiteIndex)(nil)

type reqKind int

const (
	reqReset reqKind = iota + 1
	reqStep
	reqFlush
)

type req struct {
	kind  reqKind
	reset resetRow
	step  stepRow
	done  chan error
}

type resetRow struct {
	InstanceID     string
	Epoch          uint64
	StartedAt      string
	ResetLatencyMs float64
	Stale          int
	Terminal       bool
}

type stepRow struct {
	InstanceID string
	Epoch      uint64
	At         string
	Skipped    int
	Terminal   bool
}

type Options struct {
	// Queue is the writer backlog; 0 means 4096.
	Queue  int
	Logger *zap.Logger
}

func OpenSQLite(path string, opts Options) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.Queue <= 0 {
		opts.Queue = 4096
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &SQLiteIndex{db: db, log: log, ch: make(chan req, opts.Queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			instance_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			reset_latency_ms REAL NOT NULL,
			stale INTEGER NOT NULL,
			steps INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			terminal INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, epoch)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_started ON episodes(started_at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue and closes the database. Safe to call twice.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// enqueue never blocks; it reports whether r was queued.
func (s *SQLiteIndex) enqueue(r req) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- r:
		return true
	default:
		return false
	}
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (s *SQLiteIndex) OnReset(ev session.ResetEvent) {
	r := resetRow{
		InstanceID:     ev.InstanceID,
		Epoch:          ev.Epoch,
		StartedAt:      ts(ev.At),
		ResetLatencyMs: float64(ev.Latency) / float64(time.Millisecond),
		Stale:          ev.Stale,
		Terminal:       ev.Observation.Terminal,
	}
	if !s.enqueue(req{kind: reqReset, reset: r}) {
		s.dropReset.Add(1)
	}
}

func (s *SQLiteIndex) OnStep(ev session.StepEvent) {
	r := stepRow{
		InstanceID: ev.InstanceID,
		Epoch:      ev.Epoch,
		At:         ts(ev.At.Add(ev.Latency)),
		Skipped:    ev.Skipped,
		Terminal:   ev.Observation.Terminal,
	}
	if !s.enqueue(req{kind: reqStep, step: r}) {
		s.dropStep.Add(1)
	}
}

// OnClose commits what is queued; the index itself stays open since it may
// serve several sessions.
func (s *SQLiteIndex) OnClose() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.log.Warn("index flush failed", zap.Error(err))
	}
}

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("index closed")

// Flush waits until everything queued so far is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEpisode, _ := s.db.Prepare(`INSERT OR REPLACE INTO episodes(instance_id,epoch,started_at,ended_at,reset_latency_ms,stale,steps,skipped,terminal) VALUES(?,?,?,?,?,?,0,0,?)`)
	updateEpisode, _ := s.db.Prepare(`UPDATE episodes SET steps=steps+1, skipped=skipped+?, ended_at=?, terminal=? WHERE instance_id=? AND epoch=?`)
	defer func() {
		if insertEpisode != nil {
			_ = insertEpisode.Close()
		}
		if updateEpisode != nil {
			_ = updateEpisode.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErr.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
		if err != nil {
			s.writeErr.Add(1)
		}
		return err
	}
	rollback := func(err error) {
		s.writeErr.Add(1)
		s.log.Warn("index write failed", zap.Error(err))
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			r.done <- commit()
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqReset:
			e := r.reset
			if insertEpisode == nil {
				continue
			}
			if _, err := tx.Stmt(insertEpisode).Exec(e.InstanceID, int64(e.Epoch), e.StartedAt, e.StartedAt, e.ResetLatencyMs, e.Stale, e.Terminal); err != nil {
				rollback(err)
				continue
			}
			opCount++
		case reqStep:
			st := r.step
			if updateEpisode == nil {
				continue
			}
			if _, err := tx.Stmt(updateEpisode).Exec(st.Skipped, st.At, st.Terminal, st.InstanceID, int64(st.Epoch)); err != nil {
				rollback(err)
				continue
			}
			opCount++
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			_ = commit()
		}
	}
	_ = commit()
}

type Stats struct {
	DropResetTotal uint64
	DropStepTotal  uint64
	WriteErrTotal  uint64
	QueueDepth     int
	QueueCapacity  int
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		DropResetTotal: s.dropReset.Load(),
		DropStepTotal:  s.dropStep.Load(),
		WriteErrTotal:  s.writeErr.Load(),
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
	}
}

type Episode struct {
	InstanceID     string
	Epoch          uint64
	StartedAt      time.Time
	EndedAt        time.Time
	ResetLatencyMs float64
	Stale          int
	Steps          int
	Skipped        int
	Terminal       bool
}

func (e Episode) Duration() time.Duration { return e.EndedAt.Sub(e.StartedAt) }

// Episodes lists committed episodes, oldest first. An empty instanceID lists
// every instance.
func (s *SQLiteIndex) Episodes(ctx context.Context, instanceID string) ([]Episode, error) {
	// The writer's open transaction holds the only connection.
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	q :=`SELECT instance_id,epoch,started_at,ended_at,reset_latency_ms,stale,steps,skipped,terminal FROM episodes`
	var args []any
	if instanceID != "" {
		q += ` WHERE instance_id=?`
		args = append(args, instanceID)
	}
	q += ` ORDER BY started_at, instance_id, epoch`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var (
			e              Episode
			epoch          int64
			started, ended string
		)
		if err := rows.Scan(&e.InstanceID, &epoch, &started, &ended, &e.ResetLatencyMs, &e.Stale, &e.Steps, &e.Skipped, &e.Terminal); err != nil {
			return nil, err
		}
		e.Epoch = uint64(epoch)
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("episode %s/%d: %w", e.InstanceID, e.Epoch, err)
		}
		if e.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
			return nil, fmt.Errorf("episode %s/%d: %w", e.InstanceID, e.Epoch, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
