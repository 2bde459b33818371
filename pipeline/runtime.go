// Package pipeline runs one stage of the rollout pipeline.
//
// A Runtime binds a worker role to its queue, pulls one message at a time,
// decodes it into a payload.Payload and hands it to the stage Processor. The
// message is acknowledged when Process returns nil and terminated otherwise, so
// retries only happen when a stage republishes explicitly. Stages publish
// through the Runtime, which resolves topics from the role's RouteConfig.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/adsabs/ADSDeploy/config"
	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/metric"
	"github.com/adsabs/ADSDeploy/natsclient"
	"github.com/adsabs/ADSDeploy/payload"
)

// HeaderNotBefore holds the RFC3339Nano time before which a message must not
// be processed.
const HeaderNotBefore = "Pipeline-Not-Before"

const (
	defaultAckWait     = 30 * time.Second
	defaultPollBackoff = time.Second
)

// Broker is the message broker surface the runtime needs.
type Broker interface {
	EnsureStream(ctx context.Context, spec natsclient.StreamSpec) error
	DeclareQueue(ctx context.Context, spec natsclient.QueueSpec) error
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
	ConsumeOne(ctx context.Context, queue string) (natsclient.Delivery, error)
	MessageCount(ctx context.Context, queue string) (uint64, error)
}

// Processor implements the business logic of one stage.
type Processor interface {
	Process(ctx context.Context, p *payload.Payload) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, p *payload.Payload) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, p *payload.Payload) error { return f(ctx, p) }

// Publisher is what stages use to emit messages.
type Publisher interface {
	Publish(ctx context.Context, p *payload.Payload) error
	PublishTo(ctx context.Context, topic string, p *payload.Payload) error
	PublishToError(ctx context.Context, p *payload.Payload) error
	PublishStatus(ctx context.Context, p *payload.Payload) error
	PublishAfter(ctx context.Context, topic string, p *payload.Payload, delay time.Duration) error
	Route() config.RouteConfig
}

// Runtime consumes the queue of one worker role.
type Runtime struct {
	role    string
	route   config.RouteConfig
	stream  natsclient.StreamSpec
	broker  Broker
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	pollBackoff time.Duration
}

// Option configures a Runtime
type Option func(*Runtime)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records stage metrics in the registry's core metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Runtime) {
		if registry != nil {
			r.metrics = registry.CoreMetrics()
		}
	}
}

// WithStream overrides the stream the queue is declared on
func WithStream(spec natsclient.StreamSpec) Option {
	return func(r *Runtime) {
		r.stream = spec
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		r.now = now
	}
}

// WithPollBackoff sets the pause after a failed consume
func WithPollBackoff(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.pollBackoff = d
		}
	}
}

// DefaultStream is the stream every pipeline topic is captured by.
func DefaultStream() natsclient.StreamSpec {
	return natsclient.StreamSpec{
		Name:     "PIPELINE",
		Subjects: []string{"pipeline.>"},
		Durable:  true,
	}
}

// NewRuntime creates the runtime for a role.
func NewRuntime(role string, route config.RouteConfig, broker Broker, opts ...Option) (*Runtime, error) {
	if broker == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Runtime", "NewRuntime", "broker required")
	}
	if route.Subscribe == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %s has no subscribe topic", errors.ErrInvalidConfig, role),
			"Runtime", "NewRuntime", "validate route")
	}

	r := &Runtime{
		role:        role,
		route:       route,
		stream:      DefaultStream(),
		broker:      broker,
		logger:      slog.Default(),
		now:         time.Now,
		pollBackoff: defaultPollBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", r.role)
	return r, nil
}

// Role returns the worker role name
func (r *Runtime) Role() string { return r.role }

// Route returns the role's route configuration
func (r *Runtime) Route() config.RouteConfig { return r.route }

// Logger returns the runtime's logger, tagged with the role
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Setup declares the stream and the role's queue.
func (r *Runtime) Setup(ctx context.Context) error {
	if err := r.broker.EnsureStream(ctx, r.stream); err != nil {
		return errors.Wrap(err, "Runtime", "Setup", "ensure stream")
	}
	spec := natsclient.QueueSpec{
		Stream:  r.stream.Name,
		Name:    r.role,
		Subject: r.route.Subscribe,
		Durable: r.route.Durable,
		AckWait: r.ackWait(),
	}
	if err := r.broker.DeclareQueue(ctx, spec); err != nil {
		return errors.Wrap(err, "Runtime", "Setup", "declare queue")
	}
	r.logger.Info("Queue declared", "queue", r.role, "subject", r.route.Subscribe, "durable", r.route.Durable)
	return nil
}

// Pending returns the number of messages waiting for this role.
func (r *Runtime) Pending(ctx context.Context) (uint64, error) {
	return r.broker.MessageCount(ctx, r.role)
}

// Run declares the queue and processes messages until ctx is cancelled.
// It returns nil on cancellation and an error only when the queue cannot be
// declared or consumption fails fatally.
func (r *Runtime) Run(ctx context.Context, proc Processor) error {
	if proc == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Runtime", "Run", "processor required")
	}
	if err := r.Setup(ctx); err != nil {
		return err
	}

	r.logger.Info("Worker started", "subscribe", r.route.Subscribe, "publish", r.route.Publish)
	defer r.logger.Info("Worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		delivery, err := r.broker.ConsumeOne(ctx, r.role)
		switch {
		case err == nil:
			r.handle(ctx, delivery, proc)
		case stderrors.Is(err, natsclient.ErrNoMessage):
		case ctx.Err() != nil:
			return nil
		case errors.IsFatal(err) || errors.IsInvalid(err):
			return errors.Wrap(err, "Runtime", "Run", "consume")
		default:
			r.logger.Warn("Consume failed", "error", err)
			r.metrics.RecordError(r.role, "consume")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.pollBackoff):
			}
		}
	}
}

func (r *Runtime) handle(ctx context.Context, d natsclient.Delivery, proc Processor) {
	r.metrics.RecordMessageConsumed(r.role)

	if wait := r.notBefore(d); wait > 0 {
		if err := d.NakWithDelay(wait); err != nil {
			r.logger.Warn("Failed to defer message", "error", err)
		}
		r.metrics.RecordMessageDeferred(r.role)
		return
	}

	p, err := payload.Decode(d.Data())
	if err != nil {
		r.logger.Error("Dropping undecodable message", "subject", d.Subject(), "error", err)
		r.metrics.RecordError(r.role, "decode")
		r.finish(d, false)
		return
	}

	stop := r.heartbeat(d)
	start := time.Now()
	err = r.safeProcess(ctx, proc, p)
	stop()
	r.metrics.RecordProcessingDuration(r.role, time.Since(start))

	if err != nil {
		attrs := []any{
			"application", p.Application,
			"environment", p.Environment,
			"class", errors.Classify(err).String(),
			"error", err,
		}
		if errors.IsInvalid(err) {
			r.logger.Warn("Message rejected", attrs...)
		} else {
			r.logger.Error("Processing failed", attrs...)
		}
		r.metrics.RecordError(r.role, errors.Classify(err).String())
		r.finish(d, false)
		return
	}
	r.finish(d, true)
}

func (r *Runtime) finish(d natsclient.Delivery, ok bool) {
	status, done := "ack", d.Ack
	if !ok {
		status, done = "term", d.Term
	}
	if err := done(); err != nil {
		r.logger.Warn("Failed to settle message", "status", status, "error", err)
	}
	r.metrics.RecordMessageProcessed(r.role, status)
}

// safeProcess turns a panic inside the stage into an error.
func (r *Runtime) safeProcess(ctx context.Context, proc Processor, p *payload.Payload) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Processor panic recovered", "panic", rec, "stack", string(debug.Stack()))
			err = errors.WrapFatal(fmt.Errorf("panic: %v", rec), "Runtime", "Process", "process message")
		}
	}()
	return proc.Process(ctx, p)
}

// heartbeat keeps a long-running delivery from being redelivered while the
// stage is still working on it.
func (r *Runtime) heartbeat(d natsclient.Delivery) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	interval := max(r.ackWait()/2, time.Millisecond)

	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := d.InProgress(); err != nil {
					r.logger.Debug("Heartbeat failed", "error", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

func (r *Runtime) notBefore(d natsclient.Delivery) time.Duration {
	raw := d.Header(HeaderNotBefore)
	if raw == "" {
		return 0
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		r.logger.Warn("Ignoring malformed not-before header", "value", raw)
		return 0
	}
	return at.Sub(r.now())
}

func (r *Runtime) ackWait() time.Duration {
	if d := r.route.AckWait.Std(); d > 0 {
		return d
	}
	return defaultAckWait
}
