package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/snapetech/hdhrbridge/internal/health"
)

func newCheckCmd(o *rootOptions) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check a running bridge and the transcoder binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if baseURL == "" {
				baseURL = o.cfg.BaseURL
			}
			results := append(health.CheckEndpoints(cmd.Context(), baseURL),
				health.CheckTranscoder(cmd.Context(), o.cfg.TranscoderPath))

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHECK\tRESULT\tDETAIL\tTIME")
			for _, r := range results {
				status, detail := "ok", r.Detail
				if !r.OK() {
					status, detail = "FAIL", r.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, status, detail, r.Duration.Round(1e6))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return health.Failed(results)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "bridge base URL (default BASE_URL)")
	return cmd
}
