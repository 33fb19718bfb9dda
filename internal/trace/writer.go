package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"

	"tickbridge.ai/internal/session"
)

type Compression string

const (
	Zstd Compression = "zstd"
	LZ4  Compression = "lz4"
)

func (c Compression) ext() string {
	if c == LZ4 {
		return ".jsonl.lz4"
	}
	return ".jsonl.zst"
}

func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", Zstd:
		return Zstd, nil
	case LZ4:
		return LZ4, nil
	}
	return "", fmt.Errorf("trace compression %q", s)
}

type Options struct {
	Dir         string
	InstanceID  string
	Compression Compression
	// Frames keeps raw frame bytes in every record, not only the digest.
	Frames bool
	// OnClosed is called with the path of every finished file, on rotation
	// and on Close.
	OnClosed func(path string)
	Logger   *zap.Logger
}

// Writer appends records to hourly files named
// trace-<instance>-<YYYY-MM-DD-HH>-<part>.jsonl.{zst|lz4}. Every open starts a
// new part so a restarted process never appends to a finished stream.
//
// Writer implements session.Hooks; write failures are logged and counted,
// never returned to the session.
type Writer struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu      sync.Mutex
	curHour string
	path    string
	f       *os.File
	enc     io.WriteCloser
	w       *bufio.Writer

	written atomic.Int64
	failed  atomic.Int64
}

var _ session.Hooks = (*Writer)(nil)

func NewWriter(opts Options) (*Writer, error) {
	if opts.Dir == "" {
		return nil, errors.New("trace: empty dir")
	}
	if opts.InstanceID == "" {
		return nil, errors.New("trace: empty instance id")
	}
	c, err := ParseCompression(string(opts.Compression))
	if err != nil {
		return nil, err
	}
	opts.Compression = c
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{opts: opts, log: log, now: time.Now}, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Path is the file currently written, empty before the first record.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

func (w *Writer) Written() int64 { return w.written.Load() }
func (w *Writer) Failed() int64  { return w.failed.Load() }

func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour || w.w == nil {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	w.written.Add(1)
	return nil
}

func (w *Writer) record(r Record) {
	if err := w.Write(r); err != nil {
		w.failed.Add(1)
		w.log.Warn("trace write failed", zap.String("kind", r.Kind), zap.Uint64("seq", r.Sequence), zap.Error(err))
	}
}

func (w *Writer) OnReset(ev session.ResetEvent) { w.record(resetRecord(ev, w.opts.Frames)) }
func (w *Writer) OnStep(ev session.StepEvent)   { w.record(stepRecord(ev, w.opts.Frames)) }

func (w *Writer) OnClose() {
	if err := w.Close(); err != nil {
		w.log.Warn("trace close failed", zap.Error(err))
	}
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return err
	}
	var (
		f    *os.File
		path string
	)
	for part := 0; ; part++ {
		path = w.pathFor(hour, part)
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	var enc io.WriteCloser
	switch w.opts.Compression {
	case LZ4:
		zw := lz4.NewWriter(f)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
			_ = f.Close()
			return err
		}
		enc = zw
	default:
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			return err
		}
		enc = zw
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	w.path = path
	w.log.Debug("trace file opened", zap.String("path", path))
	return nil
}

func (w *Writer) closeLocked() error {
	if w.f == nil {
		return nil
	}
	var err error
	if w.w != nil {
		err = w.w.Flush()
	}
	if cerr := w.enc.Close(); err == nil {
		err = cerr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f, w.enc, w.w = nil, nil, nil
	if err == nil && w.opts.OnClosed != nil {
		w.opts.OnClosed(w.path)
	}
	return err
}

func (w *Writer) pathFor(hour string, part int) string {
	return filepath.Join(w.opts.Dir, fmt.Sprintf("trace-%s-%s-%03d%s", w.opts.InstanceID, hour, part, w.opts.Compression.ext()))
}
