package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrStop ends ReadFile early without an error.
var ErrStop = errors.New("trace: stop")

type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

func isTrace(name string) bool {
	return strings.HasPrefix(name, "trace-") &&
		(strings.HasSuffix(name, Zstd.ext()) || strings.HasSuffix(name, LZ4.ext()))
}

// List returns the trace files in dir in name order, which is time order per
// instance.
func List(dir string) ([]FileInfo, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []FileInfo
	for _, e := range ents {
		if e.IsDir() || !isTrace(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, FileInfo{Path: filepath.Join(dir, e.Name()), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func open(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case strings.HasSuffix(path, LZ4.ext()):
		return lz4.NewReader(f), func() { _ = f.Close() }, nil
	case strings.HasSuffix(path, Zstd.ext()):
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		return dec, func() {
			dec.Close()
			_ = f.Close()
		}, nil
	default:
		_ = f.Close()
		return nil, nil, fmt.Errorf("%s: not a trace file", filepath.Base(path))
	}
}

// ReadFile calls fn for every record in path. Returning ErrStop from fn ends
// the read early.
func ReadFile(path string, fn func(Record) error) error {
	r, closeFn, err := open(path)
	if err != nil {
		return err
	}
	defer closeFn()

	dec := json.NewDecoder(r)
	for n := 1; ; n++ {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%s: record %d: %w", filepath.Base(path), n, err)
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}

// ReadAll is ReadFile collecting every record.
func ReadAll(path string) ([]Record, error) {
	var out []Record
	err := ReadFile(path, func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}
