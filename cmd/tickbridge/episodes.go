package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tickbridge.ai/internal/index"
)

func newEpisodesCmd(a *app) *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "episodes",
		Short: "List indexed episodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := a.load()
			if err != nil {
				return err
			}
			if f.Index.Path == "" {
				return errors.New("no index: pass --index or set index.path")
			}
			idx, err := index.OpenSQLite(f.Index.Path, index.Options{})
			if err != nil {
				return err
			}
			defer idx.Close()
			eps, err := idx.Episodes(cmd.Context(), instance)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tEPOCH\tSTARTED\tSTEPS\tSKIPPED\tSTALE\tRESET\tLENGTH\tTERMINAL")
			for _, e := range eps {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%d\t%.0fms\t%s\t%t\n",
					e.InstanceID, e.Epoch, humanize.Time(e.StartedAt), humanize.Comma(int64(e.Steps)),
					e.Skipped, e.Stale, e.ResetLatencyMs, e.Duration().Round(1e6), e.Terminal)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "only this instance id")
	cmd.Flags().String("index", "", "sqlite episode index path")
	a.bind(cmd.Flags(), "index.path", "index")
	return cmd
}
