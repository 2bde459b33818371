package probe

import (
	"bufio"
	"context"
	"strings"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/executor"
	"github.com/adsabs/ADSDeploy/payload"
)

// CommandProbe asks the eb-deploy helper scripts about environments. The
// find-env command prints one line per environment:
//
//	Ready  Green  adsws  adsws-staging.elasticbeanstalk.com  staging-adsws-v2
//
// where the first column is the state and the fifth the environment name.
type CommandProbe struct {
	runner    executor.Runner
	findEnv   string
	terminate string
}

// NewCommandProbe creates a probe running findEnv and terminate templates.
func NewCommandProbe(runner executor.Runner, findEnv, terminate string) *CommandProbe {
	return &CommandProbe{runner: runner, findEnv: findEnv, terminate: terminate}
}

// Resources runs the find-env command for the target.
func (p *CommandProbe) Resources(ctx context.Context, target payload.Target) ([]Resource, error) {
	res, err := p.runner.Run(ctx, target, p.findEnv)
	if err != nil {
		return nil, errors.Wrap(err, "CommandProbe", "Resources", "find environments")
	}
	return parseEnvironments(res.Stdout), nil
}

// IdleEnvironments lists the ready environments reported for the target.
func (p *CommandProbe) IdleEnvironments(ctx context.Context, target payload.Target) ([]string, error) {
	resources, err := p.Resources(ctx, target)
	if err != nil {
		return nil, err
	}

	var idle []string
	for _, r := range resources {
		if r.Ready() && r.Name != "" {
			idle = append(idle, r.Name)
		}
	}
	return idle, nil
}

// Terminate runs the terminate command with {environment} set to environment.
func (p *CommandProbe) Terminate(ctx context.Context, target payload.Target, environment string) error {
	target.Environment = environment
	if _, err := p.runner.Run(ctx, target, p.terminate); err != nil {
		return errors.Wrap(err, "CommandProbe", "Terminate", "terminate "+environment)
	}
	return nil
}

func parseEnvironments(out string) []Resource {
	var resources []Resource
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		r := Resource{Status: fields[0]}
		if len(fields) > 4 {
			r.Name = fields[4]
		}
		resources = append(resources, r)
	}
	return resources
}
