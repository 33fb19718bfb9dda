package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tickbridge.ai/internal/config"
	"tickbridge.ai/internal/index"
	"tickbridge.ai/internal/mirror"
	"tickbridge.ai/internal/protocol"
	"tickbridge.ai/internal/session"
	"tickbridge.ai/internal/trace"
)

// GLFW codes used by the random controller.
const (
	keySpace = 32
	keyA     = 65
	keyD     = 68
	keyS     = 83
	keyW     = 87
	mouseBtn = 0
)

var randomKeys = []int{keyW, keyA, keyS, keyD, keySpace}

// randomAction presses or releases one random key and nudges the cursor.
func randomAction(rng *rand.Rand) protocol.Action {
	var a protocol.Action
	switch n := rng.Intn(8); {
	case n < 5:
		code := randomKeys[rng.Intn(len(randomKeys))]
		if rng.Intn(2) == 0 {
			a.Inputs = append(a.Inputs, protocol.KeyPress(code))
		} else {
			a.Inputs = append(a.Inputs, protocol.KeyRelease(code))
		}
	case n == 5:
		a.Inputs = append(a.Inputs, protocol.MousePress(mouseBtn), protocol.MouseRelease(mouseBtn))
	}
	a.CursorDelta = [2]float64{rng.NormFloat64() * 4, rng.NormFloat64() * 2}
	return a
}

type runOpts struct {
	steps    int
	seed     int64
	commands []string
	launch   string
}

func newRunCmd(a *app) *cobra.Command {
	var o runOpts
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect, reset and take random actions, resetting after terminal observations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := a.load()
			if err != nil {
				return err
			}
			log, closeLog, err := a.logger(f)
			if err != nil {
				return err
			}
			defer closeLog()
			return runEpisodes(cmd.Context(), cmd.OutOrStdout(), f, o, log)
		},
	}
	fs := cmd.Flags()
	fs.IntVarP(&o.steps, "steps", "n", 100, "number of steps to take")
	fs.Int64Var(&o.seed, "seed", 1, "random action seed")
	fs.StringSliceVar(&o.commands, "command", nil, "console command sent with every reset (repeatable)")
	fs.StringVar(&o.launch, "launch", "", "command that starts the simulation; enables relaunch reset policies")
	fs.String("trace-dir", "", "record every reset/step to this directory")
	fs.String("trace-compression", "zstd", "zstd|lz4")
	fs.Bool("trace-frames", false, "store raw frames in the trace, not only digests")
	fs.String("index", "", "sqlite episode index path")
	fs.Int("max-skip", 0, "cap on skipped observations per step (0 = none)")
	fs.String("reset-policy", string(session.ResetInPlace), "in_place|relaunch|fallback")
	fs.Bool("stop-on-close", false, "send a stop action when done")
	a.bind(fs, "trace.dir", "trace-dir")
	a.bind(fs, "trace.compression", "trace-compression")
	a.bind(fs, "trace.frames", "trace-frames")
	a.bind(fs, "index.path", "index")
	a.bind(fs, "session.max_skip", "max-skip")
	a.bind(fs, "session.reset_policy", "reset-policy")
	a.bind(fs, "session.stop_on_close", "stop-on-close")
	return cmd
}

func runEpisodes(ctx context.Context, out io.Writer, f config.File, o runOpts, log *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	cfg := f.SessionConfig()
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	opts := []session.Option{session.WithLogger(log)}

	var tw *trace.Writer
	if f.Trace.Dir != "" {
		c, err := trace.ParseCompression(f.Trace.Compression)
		if err != nil {
			return err
		}
		topts := trace.Options{
			Dir:         f.Trace.Dir,
			InstanceID:  cfg.InstanceID,
			Compression: c,
			Frames:      f.Trace.Frames,
			Logger:      log.Named("trace"),
		}
		if mc := f.Trace.Mirror; mc.Endpoint != "" {
			client, err := mirror.NewClient(mc.Endpoint, mc.Bucket, mirror.Credentials{
				AccessKeyID:     mc.AccessKeyID,
				SecretAccessKey: mc.SecretAccessKey,
				Region:          mc.Region,
			})
			if err != nil {
				return err
			}
			prefix := path.Join(mc.Prefix, cfg.InstanceID)
			mir := mirror.New(client, mirror.Options{
				Prefix:  prefix,
				Workers: mc.Workers,
				Queue:   mc.Queue,
				Logger:  log.Named("mirror"),
			})
			defer func() {
				cctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := mir.Close(cctx); err != nil {
					log.Warn("mirror close", zap.Error(err))
				}
				st := mir.Stats()
				fmt.Fprintf(out, "mirror %s/%s: uploaded %d, failed %d, dropped %d\n",
					mc.Bucket, prefix, st.Uploaded, st.Failed, st.Dropped)
			}()
			topts.OnClosed = mir.Enqueue
		}
		tw, err = trace.NewWriter(topts)
		if err != nil {
			return err
		}
		opts = append(opts, session.WithHooks(tw))
	}
	var idx *index.SQLiteIndex
	if f.Index.Path != "" {
		var err error
		idx, err = index.OpenSQLite(f.Index.Path, index.Options{Queue: f.Index.Queue, Logger: log.Named("index")})
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
		opts = append(opts, session.WithHooks(idx))
	}
	if o.launch != "" {
		l := newExecLauncher(strings.Fields(o.launch), log.Named("launcher"))
		defer func() { _ = l.Stop(context.Background()) }()
		if err := l.Launch(ctx); err != nil {
			return err
		}
		opts = append(opts, session.WithLauncher(l))
	}

	start := time.Now()
	s, err := session.Connect(cfg, opts...)
	if s == nil {
		return err
	}
	defer s.Close()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	rng := rand.New(rand.NewSource(o.seed))
	reset := func() (obs session.Observation, err error) {
		for attempt := 1; attempt <= 3; attempt++ {
			obs, err = s.Reset(session.ResetOptions{Commands: o.commands})
			if err == nil || s.State() != session.Ready {
				return obs, err
			}
			// A frame error or queue overflow still starts the episode; a
			// timeout can be retried.
			if obs.Epoch != 0 && obs.Epoch == s.Epoch() {
				log.Warn("reset observation returned with an error", zap.Error(err))
				return obs, nil
			}
			log.Warn("reset failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return obs, err
	}
	obs, err := reset()
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	episodes := 1
	for i := 0; i < o.steps && ctx.Err() == nil; i++ {
		if obs.Terminal {
			if obs, err = reset(); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			episodes++
			continue
		}
		obs, err = s.Step(randomAction(rng))
		if err != nil {
			if s.State() == session.Ready {
				log.Warn("step observation rejected", zap.Uint64("seq", s.Sequence()), zap.Error(err))
				continue
			}
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("step: %w", err)
		}
	}
	_ = s.Close()

	m := s.Metrics().Snapshot()
	fmt.Fprintf(out, "instance %s: %s steps, %d episodes in %s\n",
		s.InstanceID(), humanize.Comma(m["steps"].(int64)), episodes, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(out, "avg step %.2fms, avg reset %.2fms, stale dropped %d, skipped %d, frame errors %d, overflows %d\n",
		m["avg_step_ms"], m["avg_reset_ms"], m["stale_dropped"], m["skipped"], m["frame_errors"], m["overflows"])
	if tw != nil {
		if p := tw.Path(); p != "" {
			size := int64(0)
			if st, err := os.Stat(p); err == nil {
				size = st.Size()
			}
			fmt.Fprintf(out, "trace %s (%d records, %s)\n", p, tw.Written(), humanize.Bytes(uint64(size)))
		}
	}
	if idx != nil {
		st := idx.Stats()
		fmt.Fprintf(out, "index %s (dropped %d)\n", f.Index.Path, st.DropResetTotal+st.DropStepTotal)
	}
	return nil
}
