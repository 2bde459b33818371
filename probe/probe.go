// Package probe checks whether a deployment target is busy and finds idle
// environments that can be reclaimed.
package probe

import (
	"context"
	"fmt"

	"github.com/adsabs/ADSDeploy/config"
	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/executor"
	"github.com/adsabs/ADSDeploy/payload"
)

// StatusReady is the state of an environment that is not mid-operation.
const StatusReady = "Ready"

// Resource is one environment backing a target.
type Resource struct {
	Name   string
	Status string
}

// Ready reports whether the resource is idle.
func (r Resource) Ready() bool { return r.Status == StatusReady }

// AllReady reports whether every resource is ready. An empty list is ready.
func AllReady(resources []Resource) bool {
	for _, r := range resources {
		if !r.Ready() {
			return false
		}
	}
	return true
}

// Probe reports the state of a target's environments.
type Probe interface {
	Resources(ctx context.Context, target payload.Target) ([]Resource, error)
}

// Lister finds environments of a target that are idle and can be terminated.
type Lister interface {
	IdleEnvironments(ctx context.Context, target payload.Target) ([]string, error)
}

// Terminator terminates one environment.
type Terminator interface {
	Terminate(ctx context.Context, target payload.Target, environment string) error
}

// Prober combines all probe capabilities.
type Prober interface {
	Probe
	Lister
	Terminator
}

// New builds the prober selected by cfg.Kind.
func New(cfg config.ProbeConfig, commands config.CommandsConfig, runner executor.Runner) (Prober, error) {
	switch cfg.Kind {
	case config.ProbeCommand, "":
		return NewCommandProbe(runner, commands.FindEnv, commands.Terminate), nil
	case config.ProbeElasticBeanstalk:
		return NewElasticBeanstalk(cfg.Region)
	default:
		return nil, errors.WrapFatal(fmt.Errorf("%w: probe kind %q", errors.ErrInvalidConfig, cfg.Kind),
			"Probe", "New", "select probe")
	}
}
