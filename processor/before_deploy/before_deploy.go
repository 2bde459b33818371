// Package beforedeploy holds a message until its target is idle.
//
// The readiness probe is asked for the state of every environment behind the
// target. While any of them is mid-operation the payload is republished to
// this stage's own topic with a delivery delay and the current message is
// acknowledged, so the consumer never blocks on a busy target. The time of
// the first attempt travels in the payload as init_timestamp; once it is older
// than the maximum wait the request fails with a timeout.
package beforedeploy

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adsabs/ADSDeploy/config"
	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/pipeline"
	"github.com/adsabs/ADSDeploy/probe"
)

// Status messages
const (
	MsgReady    = "OK to deploy"
	MsgRestart  = "Deploy to be restarted"
	MsgTimedOut = "timed out waiting for environment"
	ErrTimeout  = "timeout"
)

// Config holds the retry bounds
type Config struct {
	MaxWaitTime time.Duration
	RetryDelay  time.Duration
}

// Processor is the before-deploy stage.
type Processor struct {
	pub    pipeline.Publisher
	probe  probe.Probe
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Processor
type Option func(*Processor)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates the stage.
func New(pub pipeline.Publisher, pr probe.Probe, cfg Config, logger *slog.Logger, opts ...Option) (*Processor, error) {
	if pub == nil || pr == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "BeforeDeploy", "New", "publisher and probe required")
	}
	if cfg.MaxWaitTime <= 0 || cfg.RetryDelay <= 0 {
		return nil, errors.WrapFatal(fmt.Errorf("%w: max wait and retry delay must be positive", errors.ErrInvalidConfig),
			"BeforeDeploy", "New", "validate config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{pub: pub, probe: pr, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process checks the target and moves the payload on, defers it, or fails it.
func (p *Processor) Process(ctx context.Context, in *payload.Payload) error {
	if err := in.RequireTarget(); err != nil {
		return err
	}
	target := in.Target()
	now := p.now()

	if elapsed := now.Sub(in.StartedAt(now)); elapsed > p.cfg.MaxWaitTime {
		out := in.Clone()
		out.Err = ErrTimeout
		out.Deployed.Set(false)
		out.SetMsg(MsgTimedOut)
		p.logger.Warn("Gave up waiting for target", "target", target.String(), "waited", elapsed)
		return stderrors.Join(p.pub.PublishStatus(ctx, out), p.pub.PublishToError(ctx, out))
	}

	resources, err := p.probe.Resources(ctx, target)
	switch {
	case err != nil && errors.IsTransient(err):
		p.logger.Warn("Readiness check failed, will retry", "target", target.String(), "error", err)
		return p.retry(ctx, in, now)
	case err != nil:
		out := in.Clone()
		out.Err = "readiness check failed"
		out.Deployed.Set(false)
		out.SetMsgf("readiness check failed; %v", err)
		return stderrors.Join(p.pub.PublishStatus(ctx, out), p.pub.PublishToError(ctx, out))
	case !probe.AllReady(resources):
		p.logger.Info("Target busy, deferring", "target", target.String(), "retry_in", p.cfg.RetryDelay)
		return p.retry(ctx, in, now)
	}

	return p.route(ctx, in)
}

func (p *Processor) retry(ctx context.Context, in *payload.Payload, now time.Time) error {
	out := in.Clone()
	out.StampStart(now)
	return p.pub.PublishAfter(ctx, p.pub.Route().Subscribe, out, p.cfg.RetryDelay)
}

func (p *Processor) route(ctx context.Context, in *payload.Payload) error {
	out := in.Clone()
	action := in.Action
	if action == "" {
		action = payload.ActionDeploy
	}

	var topic string
	switch {
	case action == payload.ActionDeploy:
		out.SetMsg(MsgReady)
		topic = p.pub.Route().Publish
	case strings.HasPrefix(action, payload.ActionRestart):
		out.SetMsg(MsgRestart)
		topic = p.pub.Route().Route(config.RoleRestart)
	default:
		out.Err = "unknown action"
		out.SetMsgf("unknown action %q", action)
		pubErr := p.pub.PublishToError(ctx, out)
		return stderrors.Join(errors.WrapFatal(fmt.Errorf("%w: %q", errors.ErrUnknownAction, action),
			"BeforeDeploy", "Process", "route action"), pubErr)
	}

	if topic == "" {
		return errors.WrapFatal(fmt.Errorf("%w: no topic for action %q", errors.ErrMissingConfig, action),
			"BeforeDeploy", "Process", "route action")
	}

	p.logger.Info("Target ready", "target", in.Target().String(), "action", action, "topic", topic)
	return stderrors.Join(p.pub.PublishTo(ctx, topic, out), p.pub.PublishStatus(ctx, out))
}
