package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/adsabs/ADSDeploy/config"
	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/executor"
	"github.com/adsabs/ADSDeploy/metric"
	"github.com/adsabs/ADSDeploy/natsclient"
	"github.com/adsabs/ADSDeploy/pipeline"
	"github.com/adsabs/ADSDeploy/pkg/cache"
	"github.com/adsabs/ADSDeploy/probe"
	afterdeploy "github.com/adsabs/ADSDeploy/processor/after_deploy"
	beforedeploy "github.com/adsabs/ADSDeploy/processor/before_deploy"
	dbwriter "github.com/adsabs/ADSDeploy/processor/db_writer"
	"github.com/adsabs/ADSDeploy/processor/deploy"
	errorlogger "github.com/adsabs/ADSDeploy/processor/error_logger"
	githubdeploy "github.com/adsabs/ADSDeploy/processor/github_deploy"
	integrationtester "github.com/adsabs/ADSDeploy/processor/integration_tester"
	"github.com/adsabs/ADSDeploy/processor/restart"
	"github.com/adsabs/ADSDeploy/recipe"
	"github.com/adsabs/ADSDeploy/storage"
	"github.com/adsabs/ADSDeploy/storage/memory"
	"github.com/adsabs/ADSDeploy/storage/postgres"
)

const connectTimeout = 10 * time.Second

// deps carries what the stage constructors need. Fields a role does not use
// may be nil.
type deps struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	runner   executor.Runner
	prober   probe.Prober
	store    storage.Store
	lastUsed afterdeploy.Store
}

// needsStore reports whether role persists deployment records.
func needsStore(role string) bool { return role == config.RoleDBWriter }

// needsLastUsed reports whether role writes last-used entries.
func needsLastUsed(role string) bool { return role == config.RoleAfterDeploy }

// newProcessor builds the stage for role on top of its runtime.
func newProcessor(role string, rt *pipeline.Runtime, d deps) (pipeline.Processor, error) {
	cfg := d.cfg
	logger := d.logger.With("component", role)
	cmds := cfg.Pipeline.Commands

	switch role {
	case config.RoleGitHubDeploy:
		recipes, err := newRecipeRegistry(cfg, d.registry)
		if err != nil {
			return nil, err
		}
		return githubdeploy.New(rt, recipes, cfg.Pipeline.DefaultApplication, logger)
	case config.RoleBeforeDeploy:
		return beforedeploy.New(rt, d.prober, beforedeploy.Config{
			MaxWaitTime: cfg.Pipeline.MaxWaitTime.Std(),
			RetryDelay:  cfg.Pipeline.RetryDelay.Std(),
		}, logger)
	case config.RoleDeploy:
		return deploy.New(rt, d.runner, cmds.Deploy, logger)
	case config.RoleRestart:
		return restart.New(rt, d.runner, restart.Commands{Soft: cmds.RestartSoft, Hard: cmds.RestartHard}, logger)
	case config.RoleTest:
		return integrationtester.New(rt, d.runner, cmds.Test, logger)
	case config.RoleAfterDeploy:
		return afterdeploy.New(rt, d.lastUsed, logger)
	case config.RoleDBWriter:
		var opts []dbwriter.Option
		if d.registry != nil {
			opts = append(opts, dbwriter.WithMetrics(d.registry.CoreMetrics()))
		}
		return dbwriter.New(d.store, logger, opts...)
	case config.RoleErrorLogger:
		return errorlogger.New(logger, d.registry)
	default:
		return nil, errors.WrapFatal(fmt.Errorf("%w: unknown role %q", errors.ErrInvalidConfig, role),
			"main", "newProcessor", "select stage")
	}
}

// newRecipeRegistry reads recipes from the deploy home, caching each walk for
// recipe_cache_ttl.
func newRecipeRegistry(cfg *config.Config, registry *metric.MetricsRegistry) (*recipe.Registry, error) {
	ttl := cfg.Pipeline.RecipeCacheTTL.Std()
	if ttl <= 0 {
		return recipe.NewRegistry(cfg.Pipeline.DeployHome), nil
	}
	recipes, err := cache.NewTTL[[]recipe.Recipe](ttl, cache.WithMetrics[[]recipe.Recipe](registry, "recipes"))
	if err != nil {
		return nil, err
	}
	return recipe.NewRegistry(cfg.Pipeline.DeployHome, recipe.WithCache(recipes)), nil
}

// newRunner returns the executor running the stage commands in the deploy home.
func newRunner(cfg *config.Config, logger *slog.Logger) *executor.Executor {
	return executor.New(executor.Config{
		Home:        cfg.Pipeline.DeployHome,
		Virtualenv:  cfg.Pipeline.Virtualenv,
		MaxExecTime: cfg.Pipeline.MaxExecTime.Std(),
	}, logger)
}

// streamSpec captures every configured topic in the pipeline stream.
func streamSpec(cfg *config.Config) natsclient.StreamSpec {
	return natsclient.StreamSpec{
		Name:       cfg.NATS.Stream,
		Subjects:   cfg.Topics(),
		Durable:    cfg.NATS.DurableStream,
		Duplicates: 2 * time.Minute,
		MaxAge:     cfg.NATS.MaxAge.Std(),
	}
}

func runtimeOptions(cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithStream(streamSpec(cfg)),
	}
	if registry != nil {
		opts = append(opts, pipeline.WithMetrics(registry))
	}
	return opts
}

// connectNATS creates the client and waits until the connection is usable.
func connectNATS(ctx context.Context, cfg *config.Config, name string, logger *slog.Logger,
	registry *metric.MetricsRegistry,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-" + name),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
	}
	switch {
	case cfg.NATS.CredsFile != "":
		opts = append(opts, natsclient.WithCredentialsFile(cfg.NATS.CredsFile))
	case cfg.NATS.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	case cfg.NATS.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if registry != nil {
		opts = append(opts, natsclient.WithMetrics(registry))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// openLastUsed opens the bucket holding the last-used entries.
func openLastUsed(ctx context.Context, cfg *config.Config, client *natsclient.Client) (*natsclient.KVStore, error) {
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Pipeline.LastUsedBucket,
		Description: "last deployment per application and environment",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open last-used bucket: %w", err)
	}
	return client.NewKVStore(bucket), nil
}

// openStore opens the deployments database, or an in-memory store when
// inMemory is set.
func openStore(ctx context.Context, cfg *config.Config, inMemory bool, logger *slog.Logger) (storage.Store, error) {
	if inMemory {
		logger.Warn("Using in-memory deployment store, records are lost on exit")
		return memory.New(), nil
	}

	store, err := postgres.Open(ctx, cfg.Database.ConnString(), logger)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}

// serveMetrics serves the registry in the background when metrics are
// enabled. The returned function stops the server and waits for it.
func serveMetrics(cfg *config.Config, registry *metric.MetricsRegistry, health metric.HealthFunc,
	logger *slog.Logger,
) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}

	server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, health)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	logger.Info("Serving metrics", "address", server.Address())

	return func() {
		cancel()
		<-done
	}
}
