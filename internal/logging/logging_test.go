package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, l)

	l, err = ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, l)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestConsoleFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := newLogger(Config{Level: "warn"}, &buf)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", zap.Int("epoch", 3))
	closeFn()

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, `"epoch": 3`)
}

func TestFileCoreWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tickbridge.log")
	var buf bytes.Buffer
	log, closeFn, err := newLogger(Config{Level: "debug", Format: "json", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)
	log.Named("session").Debug("reset", zap.Uint64("epoch", 1))
	closeFn()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(b))
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "reset", rec["msg"])
	assert.Equal(t, "session", rec["logger"])
	assert.EqualValues(t, 1, rec["epoch"])
	assert.Contains(t, buf.String(), `"msg":"reset"`)
}

func TestBadFormat(t *testing.T) {
	_, _, err := newLogger(Config{Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}
