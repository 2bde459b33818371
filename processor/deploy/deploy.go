// Package deploy runs the deploy command for a target and reports the outcome.
package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/executor"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/pipeline"
	"github.com/adsabs/ADSDeploy/processor/base"
)

// Status messages
const (
	MsgDeployed = "deployed"
	ErrFailed   = "deployment failed"
)

// Processor is the deploy stage.
type Processor struct {
	stage   *base.CommandStage
	command string
}

// New creates the stage running command, e.g. "./safe-deploy.sh {environment}".
func New(pub pipeline.Publisher, runner executor.Runner, command string, logger *slog.Logger) (*Processor, error) {
	if command == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: deploy command", errors.ErrMissingConfig), "Deploy", "New", "validate config")
	}
	stage, err := base.NewCommandStage(pub, runner, logger)
	if err != nil {
		return nil, err
	}
	return &Processor{stage: stage, command: command}, nil
}

// Process deploys the target.
func (p *Processor) Process(ctx context.Context, in *payload.Payload) error {
	if err := in.RequireTarget(); err != nil {
		return err
	}
	return p.stage.Execute(ctx, in, base.Step{
		Command:  p.command,
		Starting: fmt.Sprintf("%s deployment starts", in.Target()),
		Succeeded: func(out *payload.Payload) {
			out.Err = ""
			out.Deployed.Set(true)
			out.SetMsg(MsgDeployed)
		},
		Failure: ErrFailed,
		Failed: func(out *payload.Payload) {
			out.Deployed.Set(false)
		},
	})
}
