package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type validateOpts struct {
	*rootOpts
}

func newValidate(parent *rootOpts) *validateOpts {
	return &validateOpts{rootOpts: parent}
}

func (opts *validateOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// loading already validated it
			_, err := fmt.Fprintln(cmd.OutOrStdout(), opts.cfg.String())
			return err
		},
	}
}
