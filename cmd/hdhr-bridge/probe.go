package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/snapetech/hdhrbridge/internal/catalog"
	"github.com/snapetech/hdhrbridge/internal/log"
	"github.com/snapetech/hdhrbridge/internal/probe"
)

func newProbeCmd(o *rootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Probe an upstream URL and print its descriptor as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := probe.New(probe.Options{
				Timeout: o.cfg.ProbeTimeout,
				ByIP:    o.cfg.ConnectionLimitByIP,
				Log:     log.WithComponent("probe"),
			})
			s := catalog.Stream{ID: "cli", URL: args[0], Kind: catalog.ParseStreamKind(kind), Enabled: true}
			d, err := p.Probe(cmd.Context(), s, o.cfg.ProbeTimeout)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "declared stream kind hint (hls, dash, rtmp, rtsp, udp, ts, http)")
	return cmd
}
