package main

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tickbridge.ai/internal/mocksim"
	"tickbridge.ai/internal/protocol"
	"tickbridge.ai/internal/transport"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "ws://" + addr
}

// startSim runs a mock simulation binding both channels and returns the
// client flags that reach it.
func startSim(t *testing.T, opts ...mocksim.Option) []string {
	t.Helper()
	act, obs := freeAddr(t), freeAddr(t)
	sim := mocksim.New(mocksim.Config{
		Action:      transport.Endpoint{Addr: act, Role: transport.Bind},
		Observation: transport.Endpoint{Addr: obs, Role: transport.Bind},
		Width:       8,
		Height:      6,
	}, append(opts, mocksim.WithLogger(zaptest.NewLogger(t)))...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return []string{
		"--action", act, "--action-role", "connect",
		"--observation", obs, "--observation-role", "connect",
		"--connect-timeout", "5s", "--step-timeout", "2s", "--log-level", "warn",
	}
}

func TestRunRecordsTraceAndIndex(t *testing.T) {
	flags := startSim(t, mocksim.WithTerminalAfter(3))
	dir := t.TempDir()
	traceDir := filepath.Join(dir, "traces")
	dbPath := filepath.Join(dir, "index.sqlite")

	args := append([]string{"run", "--steps", "8", "--instance-id", "cli-test",
		"--trace-dir", traceDir, "--trace-frames", "--index", dbPath, "--command", "time set day"}, flags...)
	stdout, _, err := executeCLI(t, args...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "instance cli-test:")
	assert.Contains(t, stdout, "trace ")

	stdout, _, err = executeCLI(t, "trace", "ls", traceDir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "trace-cli-test-")

	files, err := filepath.Glob(filepath.Join(traceDir, "trace-cli-test-*.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	stdout, _, err = executeCLI(t, "trace", "show", files[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Greater(t, len(lines), 8)
	assert.True(t, strings.HasPrefix(lines[1], "reset"), lines[1])
	assert.Contains(t, stdout, "8x6 ")

	stdout, _, err = executeCLI(t, "trace", "show", "--json", "-n", "2", files[0])
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(stdout), "\n"), 2)

	pngPath := filepath.Join(dir, "f.png")
	_, _, err = executeCLI(t, "trace", "frame", files[0], "--seq", "2", "-o", pngPath)
	require.NoError(t, err)
	pf, err := os.Open(pngPath)
	require.NoError(t, err)
	defer pf.Close()
	img, err := png.Decode(pf)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	stdout, _, err = executeCLI(t, "episodes", "--index", dbPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "cli-test")
	assert.Contains(t, stdout, "true")
}

func TestRunMirrorsTraces(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	bucket := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.URL.Path)
		mu.Unlock()
	}))
	defer bucket.Close()
	t.Setenv("TICKBRIDGE_TRACE_MIRROR_ENDPOINT", bucket.URL)
	t.Setenv("TICKBRIDGE_TRACE_MIRROR_BUCKET", "runs")
	t.Setenv("TICKBRIDGE_TRACE_MIRROR_ACCESS_KEY_ID", "AKID")
	t.Setenv("TICKBRIDGE_TRACE_MIRROR_SECRET_ACCESS_KEY", "secret")

	flags := startSim(t)
	args := append([]string{"run", "--steps", "3", "--instance-id", "m1", "--trace-dir", t.TempDir()}, flags...)
	stdout, _, err := executeCLI(t, args...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "mirror runs/m1: uploaded 1, failed 0, dropped 0")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "/runs/m1/trace-m1-"), keys[0])
}

func TestHandshakeCmd(t *testing.T) {
	flags := startSim(t)
	stdout, _, err := executeCLI(t, append([]string{"handshake"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "simulation mocksim: protocol v5, mode SYNC, frames RAW")
}

func TestHandshakeVersionMismatch(t *testing.T) {
	flags := startSim(t, mocksim.WithHelloVersion(4))
	_, _, err := executeCLI(t, append([]string{"handshake"}, flags...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestConfigFileAndErrors(t *testing.T) {
	_, _, err := executeCLI(t, "handshake", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("session:\n  mode: TURBO\n"), 0o644))
	_, _, err = executeCLI(t, "handshake", "--config", bad)
	require.Error(t, err)

	_, _, err = executeCLI(t, "handshake", "--mode", "TURBO")
	require.Error(t, err)

	_, _, err = executeCLI(t, "episodes")
	require.Error(t, err)
}

func TestExecLauncher(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	l := newExecLauncher([]string{sleep, "30"}, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Launch(ctx))
	require.Error(t, l.Launch(ctx))
	require.NoError(t, l.Stop(ctx))
	require.NoError(t, l.Stop(ctx))

	if f, err := exec.LookPath("false"); err == nil {
		l := newExecLauncher([]string{f}, zaptest.NewLogger(t))
		require.Error(t, l.Launch(ctx))
	}
	require.Error(t, newExecLauncher(nil, zaptest.NewLogger(t)).Launch(ctx))
}

func actionsFor(seed int64) []protocol.Action {
	rng := rand.New(rand.NewSource(seed))
	out := make([]protocol.Action, 20)
	for i := range out {
		out[i] = randomAction(rng)
	}
	return out
}

func TestRandomActionIsDeterministic(t *testing.T) {
	a := fmt.Sprint(actionsFor(7))
	b := fmt.Sprint(actionsFor(7))
	assert.Equal(t, a, b)
}
