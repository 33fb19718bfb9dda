package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tickbridge.ai/internal/transport"
)

const EnvPrefix = "TICKBRIDGE"

// NewViper returns a viper reading TICKBRIDGE_* variables, with dots in keys
// mapped to underscores (session.step_timeout -> TICKBRIDGE_SESSION_STEP_TIMEOUT).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

type override struct {
	key   string
	apply func(f *File, v *viper.Viper, key string) error
}

func str(set func(*File, string)) func(*File, *viper.Viper, string) error {
	return func(f *File, v *viper.Viper, key string) error {
		set(f, v.GetString(key))
		return nil
	}
}

func integer(set func(*File, int)) func(*File, *viper.Viper, string) error {
	return func(f *File, v *viper.Viper, key string) error {
		set(f, v.GetInt(key))
		return nil
	}
}

func boolean(set func(*File, bool)) func(*File, *viper.Viper, string) error {
	return func(f *File, v *viper.Viper, key string) error {
		set(f, v.GetBool(key))
		return nil
	}
}

func duration(set func(*File, Duration)) func(*File, *viper.Viper, string) error {
	return func(f *File, v *viper.Viper, key string) error {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		set(f, Duration(d))
		return nil
	}
}

var overrides = []override{
	{"session.action.addr", str(func(f *File, s string) { f.Session.Action.Addr = s })},
	{"session.action.role", str(func(f *File, s string) { f.Session.Action.Role = transport.Role(s) })},
	{"session.observation.addr", str(func(f *File, s string) { f.Session.Observation.Addr = s })},
	{"session.observation.role", str(func(f *File, s string) { f.Session.Observation.Role = transport.Role(s) })},
	{"session.protocol_version", integer(func(f *File, n int) { f.Session.ProtocolVersion = n })},
	{"session.mode", str(func(f *File, s string) { f.Session.Mode = strings.ToUpper(s) })},
	{"session.frame_encoding", str(func(f *File, s string) { f.Session.FrameEncoding = strings.ToUpper(s) })},
	{"session.instance_id", str(func(f *File, s string) { f.Session.InstanceID = s })},
	{"session.connect_timeout", duration(func(f *File, d Duration) { f.Session.ConnectTimeout = d })},
	{"session.step_timeout", duration(func(f *File, d Duration) { f.Session.StepTimeout = d })},
	{"session.reset_timeout", duration(func(f *File, d Duration) { f.Session.ResetTimeout = d })},
	{"session.hello_interval", duration(func(f *File, d Duration) { f.Session.HelloInterval = d })},
	{"session.max_skip", integer(func(f *File, n int) { f.Session.MaxSkip = n })},
	{"session.reset_policy", str(func(f *File, s string) { f.Session.ResetPolicy = s })},
	{"session.stop_on_close", boolean(func(f *File, b bool) { f.Session.StopOnClose = b })},
	{"session.receive_buffer", integer(func(f *File, n int) { f.Session.ReceiveBuffer = n })},
	{"session.rate_interval", duration(func(f *File, d Duration) { f.Session.RateInterval = d })},
	{"log.level", str(func(f *File, s string) { f.Log.Level = s })},
	{"log.format", str(func(f *File, s string) { f.Log.Format = s })},
	{"log.file", str(func(f *File, s string) { f.Log.File = s })},
	{"trace.dir", str(func(f *File, s string) { f.Trace.Dir = s })},
	{"trace.compression", str(func(f *File, s string) { f.Trace.Compression = s })},
	{"trace.frames", boolean(func(f *File, b bool) { f.Trace.Frames = b })},
	{"trace.mirror.endpoint", str(func(f *File, s string) { f.Trace.Mirror.Endpoint = s })},
	{"trace.mirror.bucket", str(func(f *File, s string) { f.Trace.Mirror.Bucket = s })},
	{"trace.mirror.prefix", str(func(f *File, s string) { f.Trace.Mirror.Prefix = s })},
	{"trace.mirror.access_key_id", str(func(f *File, s string) { f.Trace.Mirror.AccessKeyID = s })},
	{"trace.mirror.secret_access_key", str(func(f *File, s string) { f.Trace.Mirror.SecretAccessKey = s })},
	{"index.path", str(func(f *File, s string) { f.Index.Path = s })},
	{"mocksim.tick_rate", integer(func(f *File, n int) { f.Mock.TickRate = n })},
	{"mocksim.width", integer(func(f *File, n int) { f.Mock.Width = n })},
	{"mocksim.height", integer(func(f *File, n int) { f.Mock.Height = n })},
	{"mocksim.terminal_after", integer(func(f *File, n int) { f.Mock.TerminalAfter = n })},
	{"mocksim.stale_before_reset", integer(func(f *File, n int) { f.Mock.StaleBeforeReset = n })},
}

// Keys lists every overridable key, for binding flags.
func Keys() []string {
	keys := make([]string, len(overrides))
	for i, o := range overrides {
		keys[i] = o.key
	}
	return keys
}

// ApplyOverrides copies every key set in v (environment or a changed bound
// flag) onto f and revalidates it.
func ApplyOverrides(f *File, v *viper.Viper) error {
	for _, o := range overrides {
		if !v.IsSet(o.key) {
			continue
		}
		if err := o.apply(f, v, o.key); err != nil {
			return err
		}
	}
	return f.Validate()
}
