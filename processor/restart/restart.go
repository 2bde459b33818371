// Package restart reloads a target without a full redeploy. The payload's
// action picks a soft or a hard restart; "restart" alone means soft.
package restart

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
	MsgRestarted = "restart succeeded"
	ErrFailed    = "restart failed"
)

// Commands maps restart actions to command templates
type Commands struct {
	Soft string
	Hard string
}

// Processor is the restart stage.
type Processor struct {
	stage    *base.CommandStage
	commands map[string]string
	logger   *slog.Logger
}

// New creates the stage.
func New(pub pipeline.Publisher, runner executor.Runner, cmds Commands, logger *slog.Logger) (*Processor, error) {
	if cmds.Soft == "" || cmds.Hard == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: restart commands", errors.ErrMissingConfig), "Restart", "New", "validate config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	stage, err := base.NewCommandStage(pub, runner, logger)
	if err != nil {
		return nil, err
	}
	return &Processor{
		stage: stage,
		commands: map[string]string{
			payload.ActionRestart:     cmds.Soft,
			payload.ActionRestartSoft: cmds.Soft,
			payload.ActionRestartHard: cmds.Hard,
		},
		logger: logger,
	}, nil
}

// Process restarts the target. An unknown action goes straight to the error
// topic without running anything.
func (p *Processor) Process(ctx context.Context, in *payload.Payload) error {
	if err := in.RequireTarget(); err != nil {
		return err
	}

	command, ok := p.commands[in.Action]
	if !ok {
		out := in.Clone()
		out.Err = "unknown action"
		out.SetMsgf("unknown restart action %q", in.Action)
		p.logger.Warn("Unknown restart action", "target", in.Target().String(), "action", in.Action)
		return p.stage.Publisher().PublishToError(ctx, out)
	}

	return p.stage.Execute(ctx, in, base.Step{
		Command:  command,
		Starting: fmt.Sprintf("%s %s starts", in.Target(), in.Action),
		Succeeded: func(out *payload.Payload) {
			out.Err = ""
			out.SetMsg(MsgRestarted)
		},
		Failure: ErrFailed,
		Failed: func(out *payload.Payload) {
			out.Deployed.Set(false)
		},
	})
}
