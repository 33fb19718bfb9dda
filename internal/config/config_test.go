package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickbridge.ai/internal/protocol"
	"tickbridge.ai/internal/session"
	"tickbridge.ai/internal/transport"
)

const sample = `
session:
  action: {addr: "ws://127.0.0.1:4101", role: bind}
  observation: {addr: "ws://127.0.0.1:8101", role: connect}
  mode: ASYNC
  step_timeout: 750ms
  reset_timeout: 1m
  max_skip: 4
  reset_policy: fallback
  stop_on_close: true
log:
  level: debug
trace:
  dir: /tmp/traces
  compression: lz4
  frames: true
mocksim:
  terminal_after: 50
`

func TestParseOverlaysDefaults(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	sc := f.SessionConfig()
	assert.Equal(t, transport.Endpoint{Addr: "ws://127.0.0.1:4101", Role: transport.Bind}, sc.Action)
	assert.Equal(t, protocol.ModeAsync, sc.Mode)
	assert.Equal(t, protocol.FrameRaw, sc.FrameEncoding)
	assert.Equal(t, protocol.Version, sc.ProtocolVersion)
	assert.Equal(t, 750*time.Millisecond, sc.StepTimeout)
	assert.Equal(t, time.Minute, sc.ResetTimeout)
	assert.Equal(t, 30*time.Second, sc.ConnectTimeout)
	assert.Equal(t, 4, sc.MaxSkip)
	assert.Equal(t, session.ResetFallback, sc.ResetPolicy)
	assert.True(t, sc.StopOnClose)
	assert.Equal(t, "lz4", f.Trace.Compression)
	assert.Equal(t, 4096, f.Index.Queue)

	mc, opts := f.MockConfig()
	assert.Equal(t, transport.Connect, mc.Action.Role)
	assert.Equal(t, transport.Bind, mc.Observation.Role)
	assert.Equal(t, protocol.ModeAsync, mc.Mode)
	assert.Len(t, opts, 1)
}

func TestParseEmptyIsDefaults(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), f)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":    "session:\n  colour: blue\n",
		"bad mode":       "session:\n  mode: TURBO\n",
		"bad duration":   "session:\n  step_timeout: soon\n",
		"bad scheme":     "session:\n  action: {addr: \"http://x:1\", role: bind}\n",
		"bad role":       "session:\n  action: {addr: \"tcp://x:1\", role: listen}\n",
		"zero timeout":   "session:\n  step_timeout: 0s\n",
		"negative skip":  "session:\n  max_skip: -1\n",
		"bad policy":     "session:\n  reset_policy: sometimes\n",
		"bad trace comp": "trace:\n  compression: gzip\n",
		"not a map":      "- a\n- b\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", f.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	f, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), f)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TICKBRIDGE_SESSION_MODE", "async")
	t.Setenv("TICKBRIDGE_SESSION_STEP_TIMEOUT", "2s")
	t.Setenv("TICKBRIDGE_SESSION_ACTION_ADDR", "ipc:///tmp/act.sock")
	t.Setenv("TICKBRIDGE_TRACE_FRAMES", "true")

	f := Defaults()
	require.NoError(t, ApplyOverrides(&f, NewViper()))
	assert.Equal(t, "ASYNC", f.Session.Mode)
	assert.Equal(t, 2*time.Second, f.Session.StepTimeout.D())
	assert.Equal(t, "ipc:///tmp/act.sock", f.Session.Action.Addr)
	assert.True(t, f.Trace.Frames)
	assert.Equal(t, 5*time.Second, Defaults().Session.StepTimeout.D())
}

func TestEnvOverrideIsValidated(t *testing.T) {
	t.Setenv("TICKBRIDGE_SESSION_RESET_POLICY", "never")
	f := Defaults()
	require.Error(t, ApplyOverrides(&f, NewViper()))
}

func TestFlagOverrides(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Duration("step-timeout", 5*time.Second, "")
	fs.Int("max-skip", 0, "")
	v := NewViper()
	require.NoError(t, v.BindPFlag("session.step_timeout", fs.Lookup("step-timeout")))
	require.NoError(t, v.BindPFlag("session.max_skip", fs.Lookup("max-skip")))
	require.NoError(t, fs.Parse([]string{"--step-timeout=300ms"}))

	f := Defaults()
	f.Session.MaxSkip = 7
	require.NoError(t, ApplyOverrides(&f, v))
	assert.Equal(t, 300*time.Millisecond, f.Session.StepTimeout.D())
	// An unchanged flag keeps the file value.
	assert.Equal(t, 7, f.Session.MaxSkip)
}

func TestKeysAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, k := range Keys() {
		assert.False(t, seen[k], k)
		seen[k] = true
	}
}

func TestTraceMirror(t *testing.T) {
	f, err := Parse([]byte("trace:\n  dir: /tmp/t\n  mirror:\n    endpoint: r2.example.com\n    bucket: runs\n    prefix: lab\n"))
	require.NoError(t, err)
	assert.Equal(t, "runs", f.Trace.Mirror.Bucket)
	assert.Equal(t, 2, f.Trace.Mirror.Workers)

	t.Setenv("TICKBRIDGE_TRACE_MIRROR_ACCESS_KEY_ID", "AKID")
	t.Setenv("TICKBRIDGE_TRACE_MIRROR_SECRET_ACCESS_KEY", "secret")
	require.NoError(t, ApplyOverrides(&f, NewViper()))
	assert.Equal(t, "AKID", f.Trace.Mirror.AccessKeyID)
	assert.Equal(t, "secret", f.Trace.Mirror.SecretAccessKey)

	_, err = Parse([]byte("trace:\n  mirror:\n    endpoint: r2.example.com\n    bucket: runs\n"))
	require.Error(t, err)
	_, err = Parse([]byte("trace:\n  dir: /tmp/t\n  mirror:\n    endpoint: r2.example.com\n"))
	require.Error(t, err)
	_, err = Parse([]byte("trace:\n  mirror:\n    secret_access_key: x\n"))
	require.Error(t, err)
}
