package main

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/snapetech/hdhrbridge/internal/clientkind"
	"github.com/snapetech/hdhrbridge/internal/config"
	"github.com/snapetech/hdhrbridge/internal/fault"
	"github.com/snapetech/hdhrbridge/internal/governor"
	"github.com/snapetech/hdhrbridge/internal/hdhomerun"
	"github.com/snapetech/hdhrbridge/internal/journal"
	"github.com/snapetech/hdhrbridge/internal/log"
	"github.com/snapetech/hdhrbridge/internal/probe"
	"github.com/snapetech/hdhrbridge/internal/profile"
	"github.com/snapetech/hdhrbridge/internal/session"
	"github.com/snapetech/hdhrbridge/internal/store"
	"github.com/snapetech/hdhrbridge/internal/tuner"
)

const (
	journalRetention  = 7 * 24 * time.Hour
	journalPruneEvery = time.Hour
)

func newServeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HDHomeRun emulator and stream dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), o.cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	bin, err := exec.LookPath(cfg.TranscoderPath)
	if err != nil {
		return fault.Wrap(fault.TranscoderMissing, "startup", err)
	}
	if !config.ValidDeviceID(cfg.DeviceID) {
		logger.Warn().Str("device_id", cfg.DeviceID).Msg("DEVICE_ID fails the HDHomeRun check digit; Plex may ignore this tuner")
	}

	st, err := store.Open(ctx, cfg.DBPath, log.WithComponent("store"))
	if err != nil {
		return err
	}
	defer st.Close()
	st.Refresh = cfg.StoreRefresh

	classifier, err := clientkind.NewClassifier(cfg.ClientRulesPath, log.WithComponent("clientkind"))
	if err != nil {
		return err
	}
	j, err := journal.New(cfg.DataPath)
	if err != nil {
		return err
	}

	gov := governor.New(governor.Config{
		MaxSessions:   cfg.MaxConcurrentStreams,
		MaxPerChannel: cfg.MaxStreamsPerChannel,
		Wait:          cfg.AdmissionWait,
		LoadThreshold: cfg.LoadShedThreshold,
		Log:           log.WithComponent("governor"),
	})
	sessions := session.NewManager(session.Config{
		Binary: bin,
		Prober: probe.New(probe.Options{
			Timeout: cfg.ProbeTimeout,
			ByIP:    cfg.ConnectionLimitByIP,
			Log:     log.WithComponent("probe"),
		}),
		Resolver:     profile.NewResolver(log.WithComponent("profile")),
		Journal:      j,
		LockByIP:     cfg.ConnectionLimitByIP,
		TailBytes:    cfg.TailBufferBytes,
		NullBitrate:  cfg.NullBitrate,
		FirstBytes:   cfg.FirstBytesTimeout,
		MaxLifetime:  cfg.SessionMaxLifetime,
		ProbeTimeout: cfg.ProbeTimeout,
		Log:          log.WithComponent("session"),
	})

	device := tuner.Device{
		FriendlyName: cfg.FriendlyName,
		DeviceID:     cfg.DeviceID,
		BaseURL:      cfg.BaseURL,
	}
	srv := &tuner.Server{
		Addr:       cfg.ListenAddr(),
		Device:     device,
		Source:     st,
		Governor:   gov,
		Sessions:   sessions,
		Classifier: classifier,
		Journal:    j,
		FirstBytes: cfg.FirstBytesTimeout,
		Log:        log.WithComponent("tuner"),
	}
	logger.Info().
		Str("base_url", cfg.BaseURL).
		Bool("base_url_derived", cfg.BaseURLDerived).
		Str("device_id", cfg.DeviceID).
		Int("tuners", cfg.MaxConcurrentStreams).
		Str("transcoder", bin).
		Int("channels", len(st.Snapshot().Lineup())).
		Msg("starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return st.Run(gctx) })
	g.Go(func() error { return classifier.Watch(gctx) })
	g.Go(func() error { return pruneJournal(gctx, j) })
	if cfg.SSDPDisabled {
		logger.Info().Msg("SSDP disabled")
	} else {
		adv := &tuner.Advertiser{Device: device, Log: log.WithComponent("ssdp")}
		g.Go(func() error {
			// Another UPnP stack may own :1900; HTTP discovery still works.
			if err := adv.Run(gctx); err != nil {
				logger.Error().Err(err).Msg("SSDP advertiser stopped")
			}
			return nil
		})
	}
	if cfg.DiscoveryDisabled {
		logger.Info().Msg("HDHomeRun UDP discovery disabled")
	} else {
		rsp := &hdhomerun.Responder{
			DeviceID: cfg.DeviceID,
			BaseURL:  cfg.BaseURL,
			Tuners:   gov.Max,
			Log:      log.WithComponent("discovery"),
		}
		g.Go(func() error {
			if err := rsp.Run(gctx); err != nil {
				logger.Error().Err(err).Msg("HDHomeRun discovery stopped")
			}
			return nil
		})
	}
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}

func pruneJournal(ctx context.Context, j *journal.Journal) error {
	logger := log.WithComponent("journal")
	t := time.NewTicker(journalPruneEvery)
	defer t.Stop()
	for {
		if n, err := j.Prune(journalRetention, time.Now()); err != nil {
			logger.Warn().Err(err).Msg("prune session journal")
		} else if n > 0 {
			logger.Info().Int("removed", n).Msg("pruned session journal")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
