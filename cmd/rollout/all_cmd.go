package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type allOpts struct {
	*rootOpts
	roles       []string
	memoryStore bool
}

func newAll(parent *rootOpts) *allOpts {
	return &allOpts{rootOpts: parent}
}

func (opts *allOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run every configured stage in one process",
		Long: "Runs every configured stage in one process. Meant for development and small " +
			"installations; production runs one worker per stage.",
		Args: cobra.NoArgs,
		RunE: opts.RunE,
	}
	cmd.Flags().StringSliceVar(&opts.roles, "roles", nil, "run only these roles")
	cmd.Flags().BoolVar(&opts.memoryStore, "memory-store", false,
		"keep deployment records in memory instead of PostgreSQL")
	return cmd
}

func (opts *allOpts) RunE(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roles := opts.roles
	if len(roles) == 0 {
		roles = opts.cfg.Roles()
	}
	return opts.runRoles(ctx, "all", roles, opts.memoryStore)
}
