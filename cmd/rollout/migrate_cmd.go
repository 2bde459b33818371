package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adsabs/ADSDeploy/storage/postgres"
)

type migrateOpts struct {
	*rootOpts
}

func newMigrate(parent *rootOpts) *migrateOpts {
	return &migrateOpts{rootOpts: parent}
}

func (opts *migrateOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the deployments database migrations",
		Args:  cobra.NoArgs,
		RunE:  opts.RunE,
	}
}

func (opts *migrateOpts) RunE(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	store, err := postgres.Open(ctx, opts.cfg.Database.ConnString(), opts.logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	version, err := store.Version(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
	return err
}
