package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tickbridge.ai/internal/session"
)

func newHandshakeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "handshake",
		Short: "Connect and handshake only, then print what the simulation announced",
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

			start := time.Now()
			s, err := session.Connect(f.SessionConfig(), session.WithLogger(log))
			if s == nil {
				return err
			}
			defer s.Close()
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
			peer := s.Peer()
			fmt.Fprintf(cmd.OutOrStdout(), "simulation %s: protocol v%d, mode %s, frames %s (handshake %s)\n",
				peer.InstanceID, s.Codec().Version(), peer.Mode, peer.FrameEncoding, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
