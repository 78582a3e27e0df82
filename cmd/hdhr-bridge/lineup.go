package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/snapetech/hdhrbridge/internal/log"
	"github.com/snapetech/hdhrbridge/internal/store"
)

func newLineupCmd(o *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "lineup",
		Short: "Print the lineup from DB_PATH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := store.Open(cmd.Context(), o.cfg.DBPath, log.WithComponent("store"))
			if err != nil {
				return err
			}
			defer st.Close()
			snap := st.Snapshot()
			lineup := snap.Lineup()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(lineup)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NUMBER\tNAME\tCHANNEL\tSTREAM")
			for _, c := range lineup {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Number, c.Name, c.ID, c.StreamID)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d playable of %d channels\n", len(lineup), len(snap.Channels))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
