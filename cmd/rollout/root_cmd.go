package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/adsabs/ADSDeploy/config"
)

var rootLongHelp = strings.TrimSpace(`
rollout moves a deployment request through the pipeline stages:

  github_deploy -> before_deploy -> deploy | restart -> test -> after_deploy

Every stage publishes its progress to the status topic, which db_writer
records, and its failures to the error topic, which error_logger reports.

  rollout worker deploy                 # run one stage
  rollout all --memory-store            # every stage in one process
  rollout reap                          # terminate idle test environments
  rollout publish pipeline.github_deploy '{"url":"adsabs/adsws","tag":"v1.0.2"}'
`)

type rootOpts struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               appName,
		Long:              rootLongHelp,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv("ROLLOUT_CONFIG"),
		"path to a JSON or YAML configuration file (env: ROLLOUT_CONFIG)")
	flags.StringVar(&opts.envFile, "env-file", ".env",
		"dotenv file loaded before the configuration, ignored when missing")
	flags.StringVar(&opts.logLevel, "log-level", envOr("ROLLOUT_LOG_LEVEL", "info"),
		"log level: debug, info, warn, error (env: ROLLOUT_LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format", envOr("ROLLOUT_LOG_FORMAT", "json"),
		"log format: json, text (env: ROLLOUT_LOG_FORMAT)")

	cmd.AddCommand(
		newWorker(opts).Command(),
		newAll(opts).Command(),
		newReap(opts).Command(),
		newMigrate(opts).Command(),
		newPublish(opts).Command(),
		newValidate(opts).Command(),
		newVersionCommand(),
	)
	return cmd
}

// PersistentPreRunE loads the dotenv file, the configuration and the logger.
func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}

	// the dotenv file may carry the log settings
	if !cmd.Flags().Changed("log-level") {
		opts.logLevel = envOr("ROLLOUT_LOG_LEVEL", opts.logLevel)
	}
	if !cmd.Flags().Changed("log-format") {
		opts.logFormat = envOr("ROLLOUT_LOG_FORMAT", opts.logFormat)
	}
	if !cmd.Flags().Changed("config") {
		opts.configPath = envOr("ROLLOUT_CONFIG", opts.configPath)
	}

	opts.logger = setupLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
	slog.SetDefault(opts.logger)

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	opts.cfg = cfg
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
