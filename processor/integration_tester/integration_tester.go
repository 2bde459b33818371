// Package integrationtester runs the integration tests of a freshly deployed
// or restarted target and records the result in the payload's tested flag.
package integrationtester

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
	MsgPassed = "tests passed"
	ErrFailed = "tests failed"
)

// Processor is the integration test stage.
type Processor struct {
	stage   *base.CommandStage
	command string
}

// New creates the stage running command.
func New(pub pipeline.Publisher, runner executor.Runner, command string, logger *slog.Logger) (*Processor, error) {
	if command == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: test command", errors.ErrMissingConfig), "IntegrationTester", "New", "validate config")
	}
	stage, err := base.NewCommandStage(pub, runner, logger)
	if err != nil {
		return nil, err
	}
	return &Processor{stage: stage, command: command}, nil
}

// Process runs the tests for the target.
func (p *Processor) Process(ctx context.Context, in *payload.Payload) error {
	if err := in.RequireTarget(); err != nil {
		return err
	}
	return p.stage.Execute(ctx, in, base.Step{
		Command: p.command,
		Succeeded: func(out *payload.Payload) {
			out.Tested.Set(true)
			out.SetMsg(MsgPassed)
		},
		Failure: ErrFailed,
		Failed: func(out *payload.Payload) {
			out.Tested.Set(false)
		},
	})
}
