// Package config loads the tickbridge YAML file. The file is checked against
// an embedded JSON Schema, decoded strictly on top of Defaults and then
// overridden from TICKBRIDGE_* environment variables and CLI flags.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"tickbridge.ai/internal/logging"
	"tickbridge.ai/internal/mocksim"
	"tickbridge.ai/internal/protocol"
	"tickbridge.ai/internal/session"
	"tickbridge.ai/internal/transport"
)

//go:embed config.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("config.schema.json", schemaJSON)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

type File struct {
	Session Session        `yaml:"session"`
	Log     logging.Config `yaml:"log"`
	Trace   Trace          `yaml:"trace"`
	Index   Index          `yaml:"index"`
	Mock    Mock           `yaml:"mocksim"`
}

type Session struct {
	Action          transport.Endpoint `yaml:"action"`
	Observation     transport.Endpoint `yaml:"observation"`
	ProtocolVersion int                `yaml:"protocol_version"`
	Mode            string             `yaml:"mode"`
	FrameEncoding   string             `yaml:"frame_encoding"`
	InstanceID      string             `yaml:"instance_id"`
	ConnectTimeout  Duration           `yaml:"connect_timeout"`
	StepTimeout     Duration           `yaml:"step_timeout"`
	ResetTimeout    Duration           `yaml:"reset_timeout"`
	HelloInterval   Duration           `yaml:"hello_interval"`
	MaxSkip         int                `yaml:"max_skip"`
	ResetPolicy     string             `yaml:"reset_policy"`
	StopOnClose     bool               `yaml:"stop_on_close"`
	ReceiveBuffer   int                `yaml:"receive_buffer"`
	RateInterval    Duration           `yaml:"rate_interval"`
}

// Trace is off unless Dir is set.
type Trace struct {
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`
	Frames      bool   `yaml:"frames"`
	Mirror      Mirror `yaml:"mirror"`
}

// Mirror uploads finished trace files; off unless Endpoint is set. Keys come
// from the environment only.
type Mirror struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Workers         int    `yaml:"workers"`
	Queue           int    `yaml:"queue"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
}

// Index is off unless Path is set.
type Index struct {
	Path  string `yaml:"path"`
	Queue int    `yaml:"queue"`
}

type Mock struct {
	TickRate         int `yaml:"tick_rate"`
	Width            int `yaml:"width"`
	Height           int `yaml:"height"`
	FrameAlign       int `yaml:"frame_align"`
	TerminalAfter    int `yaml:"terminal_after"`
	StaleBeforeReset int `yaml:"stale_before_reset"`
}

func Defaults() File {
	d := session.DefaultConfig()
	return File{
		Session: Session{
			Action:          d.Action,
			Observation:     d.Observation,
			ProtocolVersion: d.ProtocolVersion,
			Mode:            string(d.Mode),
			FrameEncoding:   string(d.FrameEncoding),
			ConnectTimeout:  Duration(d.ConnectTimeout),
			StepTimeout:     Duration(d.StepTimeout),
			ResetTimeout:    Duration(d.ResetTimeout),
			HelloInterval:   Duration(d.HelloInterval),
			ResetPolicy:     string(d.ResetPolicy),
			ReceiveBuffer:   d.ReceiveBuffer,
			RateInterval:    Duration(d.RateInterval),
		},
		Log:   logging.DefaultConfig(),
		Trace: Trace{Compression: "zstd", Mirror: Mirror{Workers: 2, Queue: 256}},
		Index: Index{Queue: 4096},
		Mock: Mock{
			TickRate:   20,
			Width:      320,
			Height:     240,
			FrameAlign: 4,
		},
	}
}

// Load reads path. An empty path returns Defaults.
func Load(path string) (File, error) {
	if path == "" {
		return Defaults(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	f, err := Parse(raw)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func Parse(raw []byte) (File, error) {
	f := Defaults()
	if err := validateSchema(raw); err != nil {
		return File{}, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// validateSchema checks the document shape. The YAML tree is passed through
// JSON so the validator sees JSON types only.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}

func (f File) Validate() error {
	if err := f.SessionConfig().Validate(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(f.Log.Level); err != nil {
		return err
	}
	switch f.Trace.Compression {
	case "", "zstd", "lz4":
	default:
		return fmt.Errorf("trace compression %q", f.Trace.Compression)
	}
	if m := f.Trace.Mirror; m.Endpoint != "" {
		if f.Trace.Dir == "" {
			return errors.New("trace mirror needs trace.dir")
		}
		if m.Bucket == "" {
			return errors.New("trace mirror needs a bucket")
		}
	}
	if f.Index.Queue < 0 {
		return fmt.Errorf("index queue %d", f.Index.Queue)
	}
	return nil
}

func (f File) SessionConfig() session.Config {
	s := f.Session
	return session.Config{
		Action:          s.Action,
		Observation:     s.Observation,
		ProtocolVersion: s.ProtocolVersion,
		Mode:            protocol.Mode(strings.ToUpper(s.Mode)),
		FrameEncoding:   protocol.FrameEncoding(strings.ToUpper(s.FrameEncoding)),
		InstanceID:      s.InstanceID,
		ConnectTimeout:  s.ConnectTimeout.D(),
		StepTimeout:     s.StepTimeout.D(),
		ResetTimeout:    s.ResetTimeout.D(),
		HelloInterval:   s.HelloInterval.D(),
		MaxSkip:         s.MaxSkip,
		ResetPolicy:     session.ResetPolicy(s.ResetPolicy),
		StopOnClose:     s.StopOnClose,
		ReceiveBuffer:   s.ReceiveBuffer,
		RateInterval:    s.RateInterval.D(),
	}
}

// MockConfig is the simulation side of the session endpoints.
func (f File) MockConfig() (mocksim.Config, []mocksim.Option) {
	sc := f.SessionConfig()
	cfg := mocksim.Config{
		Action:        sc.Action.Invert(),
		Observation:   sc.Observation.Invert(),
		Mode:          sc.Mode,
		FrameEncoding: sc.FrameEncoding,
		TickRate:      f.Mock.TickRate,
		Width:         f.Mock.Width,
		Height:        f.Mock.Height,
		FrameAlign:    f.Mock.FrameAlign,
	}
	var opts []mocksim.Option
	if f.Mock.TerminalAfter > 0 {
		opts = append(opts, mocksim.WithTerminalAfter(f.Mock.TerminalAfter))
	}
	if f.Mock.StaleBeforeReset > 0 {
		opts = append(opts, mocksim.WithStaleBeforeReset(f.Mock.StaleBeforeReset))
	}
	return cfg, opts
}
