package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adsabs/ADSDeploy/config"
	"github.com/adsabs/ADSDeploy/metric"
	"github.com/adsabs/ADSDeploy/pipeline"
	"github.com/adsabs/ADSDeploy/probe"
)

type workerOpts struct {
	*rootOpts
	memoryStore bool
}

func newWorker(parent *rootOpts) *workerOpts {
	return &workerOpts{rootOpts: parent}
}

func (opts *workerOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker <role>",
		Short: "Run one pipeline stage",
		Example: `  rollout worker before_deploy
  rollout worker db_writer --config /etc/rollout.yaml`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.Default().Roles(),
		RunE:      opts.RunE,
	}
	cmd.Flags().BoolVar(&opts.memoryStore, "memory-store", false,
		"keep deployment records in memory instead of PostgreSQL (db_writer only)")
	return cmd
}

func (opts *workerOpts) RunE(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return opts.runRoles(ctx, args[0], args, opts.memoryStore)
}

// runRoles runs a runtime per role on one NATS connection until ctx is done or
// one of them fails.
func (opts *rootOpts) runRoles(ctx context.Context, name string, roles []string, inMemory bool) error {
	cfg, logger := opts.cfg, opts.logger
	for _, role := range roles {
		if _, err := cfg.Route(role); err != nil {
			return err
		}
	}

	registry := metric.NewMetricsRegistry()
	client, err := connectNATS(ctx, cfg, name, logger, registry)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(context.Background()) }()

	stopMetrics := serveMetrics(cfg, registry, client.IsHealthy, logger)
	defer stopMetrics()

	d := deps{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		runner:   newRunner(cfg, logger),
	}
	if slices.Contains(roles, config.RoleBeforeDeploy) {
		if d.prober, err = probe.New(cfg.Probe, cfg.Pipeline.Commands, d.runner); err != nil {
			return err
		}
	}
	if slices.ContainsFunc(roles, needsStore) {
		store, err := openStore(ctx, cfg, inMemory, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		d.store = store
	}
	if slices.ContainsFunc(roles, needsLastUsed) {
		if d.lastUsed, err = openLastUsed(ctx, cfg, client); err != nil {
			return err
		}
	}

	type stage struct {
		rt   *pipeline.Runtime
		proc pipeline.Processor
	}
	stages := make([]stage, 0, len(roles))
	for _, role := range roles {
		route, _ := cfg.Route(role)
		rt, err := pipeline.NewRuntime(role, route, client, runtimeOptions(cfg, logger, registry)...)
		if err != nil {
			return err
		}
		proc, err := newProcessor(role, rt, d)
		if err != nil {
			return err
		}
		stages = append(stages, stage{rt: rt, proc: proc})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range stages {
		g.Go(func() error {
			if err := s.rt.Run(gctx, s.proc); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
