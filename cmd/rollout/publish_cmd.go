package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/payload"
)

type publishOpts struct {
	*rootOpts
}

func newPublish(parent *rootOpts) *publishOpts {
	return &publishOpts{rootOpts: parent}
}

func (opts *publishOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <topic> <json>",
		Short: "Publish a payload to a pipeline topic",
		Example: `  rollout publish pipeline.github_deploy '{"url":"https://github.com/adsabs/adsws","tag":"v1.0.2"}'
  rollout publish pipeline.before_deploy '{"application":"sandbox","environment":"adsws","version":"v1.0.2","action":"restart-hard"}'`,
		Args: cobra.ExactArgs(2),
		RunE: opts.RunE,
	}
}

func (opts *publishOpts) RunE(cmd *cobra.Command, args []string) error {
	topic := args[0]
	if !opts.knownTopic(topic) {
		return errors.WrapInvalid(fmt.Errorf("%w: topic %q is not configured", errors.ErrInvalidConfig, topic),
			"main", "publish", "check topic")
	}

	p, err := payload.Decode([]byte(args[1]))
	if err != nil {
		return err
	}
	data, err := p.Encode()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	client, err := connectNATS(ctx, opts.cfg, "publish", opts.logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(context.Background()) }()

	if err := client.EnsureStream(ctx, streamSpec(opts.cfg)); err != nil {
		return err
	}
	if err := client.Publish(ctx, topic, data, nil); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "published to %s: %s\n", topic, data)
	return err
}

func (opts *publishOpts) knownTopic(topic string) bool {
	for _, t := range opts.cfg.Topics() {
		if t == topic {
			return true
		}
	}
	return false
}
