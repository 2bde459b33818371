// Package base holds the flow shared by stages that run an external command:
// announce the start on the status topic, run the command, then report the
// outcome onward and to status, or to error and status.
package base

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/executor"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/pipeline"
)

// Step describes one command run by a stage.
type Step struct {
	Command string

	// Starting, when set, is published as msg on the status topic before the
	// command runs.
	Starting string

	// Succeeded updates the outgoing payload after a zero exit.
	Succeeded func(out *payload.Payload)

	// Failure is both the err marker and the prefix of msg on failure.
	Failure string

	// Failed updates the outgoing payload after a failure.
	Failed func(out *payload.Payload)
}

// CommandStage runs steps for a stage.
type CommandStage struct {
	pub    pipeline.Publisher
	runner executor.Runner
	logger *slog.Logger
}

// NewCommandStage creates a command stage.
func NewCommandStage(pub pipeline.Publisher, runner executor.Runner, logger *slog.Logger) (*CommandStage, error) {
	if pub == nil || runner == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "CommandStage", "New", "publisher and runner required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandStage{pub: pub, runner: runner, logger: logger}, nil
}

// Publisher returns the stage's publisher.
func (s *CommandStage) Publisher() pipeline.Publisher { return s.pub }

// Execute runs step for in. Command failures are reported on the error and
// status topics and are not returned; only publish failures and
// configuration errors are.
func (s *CommandStage) Execute(ctx context.Context, in *payload.Payload, step Step) error {
	target := in.Target()

	if step.Starting != "" {
		start := in.Clone()
		start.SetMsg(step.Starting)
		if err := s.pub.PublishStatus(ctx, start); err != nil {
			return err
		}
	}

	res, runErr := s.runner.Run(ctx, target, step.Command)
	out := in.Clone()

	if runErr == nil {
		if step.Succeeded != nil {
			step.Succeeded(out)
		}
		s.logger.Info("Command succeeded", "target", target.String(), "command", step.Command)
		return stderrors.Join(s.pub.Publish(ctx, out), s.pub.PublishStatus(ctx, out))
	}

	out.Err = step.Failure
	out.SetMsgf("%s; %s", step.Failure, Describe(executor.Expand(step.Command, target), res, runErr))
	if step.Failed != nil {
		step.Failed(out)
	}
	s.logger.Warn("Command failed", "target", target.String(), "command", step.Command, "error", runErr)

	pubErr := stderrors.Join(s.pub.PublishToError(ctx, out), s.pub.PublishStatus(ctx, out))
	if errors.IsFatal(runErr) {
		return stderrors.Join(runErr, pubErr)
	}
	return pubErr
}

// Describe renders a command failure for operators.
func Describe(command string, res *executor.Result, err error) string {
	if res == nil || errors.Is(err, errors.ErrTimedOut) {
		return fmt.Sprintf("command: %s, reason: %v", command, err)
	}
	return res.Describe()
}
