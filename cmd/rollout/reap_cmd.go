package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adsabs/ADSDeploy/metric"
	"github.com/adsabs/ADSDeploy/probe"
	"github.com/adsabs/ADSDeploy/reaper"
)

type reapOpts struct {
	*rootOpts
	once bool
}

func newReap(parent *rootOpts) *reapOpts {
	return &reapOpts{rootOpts: parent}
}

func (opts *reapOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Terminate test environments idle for longer than cleanup_after",
		Args:  cobra.NoArgs,
		RunE:  opts.RunE,
	}
	cmd.Flags().BoolVar(&opts.once, "once", false, "sweep once and exit instead of following reaper_schedule")
	return cmd
}

func (opts *reapOpts) RunE(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger := opts.cfg, opts.logger
	registry := metric.NewMetricsRegistry()

	client, err := connectNATS(ctx, cfg, "reaper", logger, registry)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(context.Background()) }()

	kv, err := openLastUsed(ctx, cfg, client)
	if err != nil {
		return err
	}
	prober, err := probe.New(cfg.Probe, cfg.Pipeline.Commands, newRunner(cfg, logger))
	if err != nil {
		return err
	}

	rc := reaper.DefaultConfig()
	rc.CleanupAfter = cfg.Pipeline.CleanupAfter.Std()
	rc.Schedule = cfg.Pipeline.ReaperSchedule
	rc.Workers = cfg.Pipeline.ReaperWorkers
	rc.TerminateRate = cfg.Pipeline.TerminateRate
	rc.Reapable = cfg.Pipeline.ReapEnvironments
	if opts.once {
		rc.Schedule = ""
	}

	r, err := reaper.New(kv, prober, rc, logger, reaper.WithMetricsRegistry(registry))
	if err != nil {
		return err
	}

	if !opts.once {
		stopMetrics := serveMetrics(cfg, registry, client.IsHealthy, logger)
		defer stopMetrics()
		return r.Run(ctx)
	}

	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	report, err := r.Sweep(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d stale=%d reaped=%d skipped=%d failed=%d terminated=%d\n",
		report.Scanned, report.Stale, report.Reaped, report.Skipped, report.Failed, report.Terminated)
	return err
}
