package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tickbridge.ai/internal/mocksim"
)

func newMocksimCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mocksim",
		Short: "Serve a mock simulation on the configured endpoints (roles inverted)",
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

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, opts := f.MockConfig()
			sim := mocksim.New(cfg, append(opts, mocksim.WithLogger(log.Named("mocksim")))...)
			go func() {
				select {
				case <-sim.Ready():
					fmt.Fprintf(cmd.OutOrStdout(), "mock simulation on %s / %s\n", cfg.Action, cfg.Observation)
				case <-ctx.Done():
				}
			}()
			return sim.Run(ctx)
		},
	}
	fs := cmd.Flags()
	fs.Int("tick-rate", 20, "observations per second in ASYNC mode")
	fs.Int("width", 320, "frame width")
	fs.Int("height", 240, "frame height")
	fs.Int("terminal-after", 0, "end every episode after this many steps (0 = never)")
	fs.Int("stale-before-reset", 0, "send this many stale observations before each reset answer")
	a.bind(fs, "mocksim.tick_rate", "tick-rate")
	a.bind(fs, "mocksim.width", "width")
	a.bind(fs, "mocksim.height", "height")
	a.bind(fs, "mocksim.terminal_after", "terminal-after")
	a.bind(fs, "mocksim.stale_before_reset", "stale-before-reset")
	return cmd
}
