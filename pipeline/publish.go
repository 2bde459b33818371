package pipeline

import (
	"context"
	"time"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/payload"
)

// Publish sends p to the role's publish topic.
func (r *Runtime) Publish(ctx context.Context, p *payload.Payload) error {
	return r.PublishTo(ctx, r.route.Publish, p)
}

// PublishToError sends p to the role's error topic.
func (r *Runtime) PublishToError(ctx context.Context, p *payload.Payload) error {
	return r.PublishTo(ctx, r.route.Error, p)
}

// PublishStatus sends p to the role's status topic.
func (r *Runtime) PublishStatus(ctx context.Context, p *payload.Payload) error {
	return r.PublishTo(ctx, r.route.Status, p)
}

// PublishTo sends p to topic. An empty topic means the role has nowhere to
// send to and the call does nothing.
func (r *Runtime) PublishTo(ctx context.Context, topic string, p *payload.Payload) error {
	return r.publish(ctx, topic, p, nil)
}

// PublishAfter sends p to topic as a message that is not processed before
// delay has passed. The delay is carried by the message, so it survives a
// restart of this worker and any instance consuming topic can pick it up.
func (r *Runtime) PublishAfter(ctx context.Context, topic string, p *payload.Payload, delay time.Duration) error {
	headers := map[string]string{
		HeaderNotBefore: r.now().Add(delay).UTC().Format(time.RFC3339Nano),
	}
	return r.publish(ctx, topic, p, headers)
}

func (r *Runtime) publish(ctx context.Context, topic string, p *payload.Payload, headers map[string]string) error {
	if topic == "" {
		r.logger.Debug("No topic configured, message not published", "application", p.Application)
		return nil
	}

	data, err := p.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "Runtime", "Publish", "encode payload")
	}
	if err := r.broker.Publish(ctx, topic, data, headers); err != nil {
		r.metrics.RecordError(r.role, "publish")
		return errors.Wrap(err, "Runtime", "Publish", "publish to "+topic)
	}

	r.metrics.RecordMessagePublished(r.role, topic)
	r.logger.Debug("Published", "topic", topic, "application", p.Application, "environment", p.Environment)
	return nil
}
