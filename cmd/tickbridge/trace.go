package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tickbridge.ai/internal/trace"
)

func newTraceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded traces",
	}
	cmd.AddCommand(newTraceLsCmd(a), newTraceShowCmd(), newTraceFrameCmd())
	return cmd
}

func newTraceLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [dir]",
		Short: "List trace files (default: trace.dir from the config)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				f, err := a.load()
				if err != nil {
					return err
				}
				dir = f.Trace.Dir
			}
			if dir == "" {
				return errors.New("no trace dir: pass one or set trace.dir")
			}
			files, err := trace.List(dir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", filepath.Base(f.Path), humanize.Bytes(uint64(f.Size)), humanize.Time(f.ModTime))
			}
			return tw.Flush()
		},
	}
}

func newTraceShowCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "show <file>",
		Short: "Print the records of a trace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			if !asJSON {
				fmt.Fprintln(tw, "KIND\tEPOCH\tSEQ\tOBS\tLAST_ACT\tLATENCY\tTERM\tFRAME")
			}
			n := 0
			err := trace.ReadFile(args[0], func(r trace.Record) error {
				if limit > 0 && n >= limit {
					return trace.ErrStop
				}
				n++
				if asJSON {
					return enc.Encode(r)
				}
				fr := "-"
				if r.Frame != nil {
					fr = fmt.Sprintf("%dx%d %.12s", r.Frame.Width, r.Frame.Height, r.Frame.Digest)
				}
				_, err := fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.2fms\t%t\t%s\n",
					r.Kind, r.Epoch, r.Sequence, r.ObsSequence, r.LastActionSequence, r.LatencyMs, r.Terminal, fr)
				return err
			})
			if err != nil {
				return err
			}
			if !asJSON {
				return tw.Flush()
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON lines")
	return cmd
}

func newTraceFrameCmd() *cobra.Command {
	var (
		epoch uint64
		seq   uint64
		out   string
	)
	cmd := &cobra.Command{
		Use:   "frame <file>",
		Short: "Export a recorded frame as PNG (needs a trace written with frames)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var found *trace.Record
			err := trace.ReadFile(args[0], func(r trace.Record) error {
				if r.Sequence == seq && (epoch == 0 || r.Epoch == epoch) {
					found = &r
					return trace.ErrStop
				}
				return nil
			})
			if err != nil {
				return err
			}
			if found == nil {
				return fmt.Errorf("no record with seq %d in %s", seq, args[0])
			}
			buf, err := found.Frame.Buffer()
			if err != nil {
				return err
			}
			if out == "" {
				out = fmt.Sprintf("frame-%d-%d.png", found.Epoch, found.Sequence)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := buf.WritePNG(f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%dx%d)\n", out, buf.Width(), buf.Height())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&seq, "seq", 1, "action sequence of the record")
	cmd.Flags().Uint64Var(&epoch, "epoch", 0, "epoch of the record (0 = first match)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output PNG path")
	return cmd
}
