package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/pkg/retry"
)

// ErrNoMessage is returned by ConsumeOne when no message arrived within the fetch wait.
var ErrNoMessage = stderrors.New("no message available")

// DefaultMaxAckPending bounds the deliveries a queue keeps outstanding, most of
// them deferred messages waiting out a NakWithDelay.
const DefaultMaxAckPending = 1024

// StreamSpec declares the exchange: one stream capturing every pipeline subject.
type StreamSpec struct {
	Name     string
	Subjects []string
	// Durable streams are file backed and survive a broker restart.
	Durable bool
	// Duplicates is the window in which a repeated message id is discarded.
	Duplicates time.Duration
	// MaxAge bounds how long messages are retained, 0 keeps them for a week.
	MaxAge time.Duration
}

// QueueSpec declares a queue bound to one subject of a stream.
type QueueSpec struct {
	Stream  string
	Name    string
	Subject string
	// Durable queues keep their position across worker restarts. Transient
	// queues only see messages published after they were declared.
	Durable bool
	// AckWait is how long a delivery may stay unacknowledged before redelivery.
	AckWait time.Duration

	// MaxAckPending bounds outstanding deliveries, including deferred ones.
	// Zero means DefaultMaxAckPending.
	MaxAckPending int
}

// Delivery is one message pulled from a queue.
type Delivery interface {
	Subject() string
	Data() []byte
	Header(key string) string
	Ack() error
	// Term removes the message without redelivery.
	Term() error
	// NakWithDelay returns the message to the queue for delivery after delay.
	NakWithDelay(delay time.Duration) error
	// InProgress extends the acknowledgement deadline of a long-running delivery.
	InProgress() error
}

type jsDelivery struct {
	msg jetstream.Msg
}

func (d *jsDelivery) Subject() string { return d.msg.Subject() }
func (d *jsDelivery) Data() []byte    { return d.msg.Data() }
func (d *jsDelivery) Ack() error      { return d.msg.Ack() }
func (d *jsDelivery) Term() error     { return d.msg.Term() }
func (d *jsDelivery) InProgress() error {
	return d.msg.InProgress()
}

func (d *jsDelivery) NakWithDelay(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

func (d *jsDelivery) Header(key string) string {
	h := d.msg.Headers()
	if h == nil {
		return ""
	}
	return h.Get(key)
}

// EnsureStream declares the stream, updating its configuration when it exists
func (c *Client) EnsureStream(ctx context.Context, spec StreamSpec) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	storage := jetstream.MemoryStorage
	if spec.Durable {
		storage = jetstream.FileStorage
	}
	duplicates := spec.Duplicates
	if duplicates <= 0 {
		duplicates = 2 * time.Minute
	}
	maxAge := spec.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       spec.Name,
		Subjects:   spec.Subjects,
		Storage:    storage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     maxAge,
		Duplicates: duplicates,
	})
	if err != nil {
		c.fail("ensure_stream")
		return errors.WrapTransient(err, "Client", "EnsureStream", fmt.Sprintf("declare stream %s", spec.Name))
	}

	c.succeed()
	c.logger.Debug("Stream ready", "stream", spec.Name, "subjects", spec.Subjects)
	return nil
}

// DeclareQueue binds a pull consumer to spec.Subject. ConsumeOne pulls one
// message per request; a message deferred with NakWithDelay stays pending
// without holding back the rest of the queue.
func (c *Client) DeclareQueue(ctx context.Context, spec QueueSpec) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}
	if spec.Name == "" || spec.Subject == "" {
		return errors.WrapInvalid(fmt.Errorf("queue name and subject are required"),
			"Client", "DeclareQueue", "validate queue spec")
	}

	ackWait := spec.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}

	maxAckPending := spec.MaxAckPending
	if maxAckPending <= 0 {
		maxAckPending = DefaultMaxAckPending
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject: spec.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxAckPending: maxAckPending,
		MaxDeliver:    -1,
	}

	var consumer jetstream.Consumer
	if spec.Durable {
		cfg.Durable = queueConsumerName(spec.Name)
		consumer, err = js.CreateOrUpdateConsumer(ctx, spec.Stream, cfg)
	} else {
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
		cfg.InactiveThreshold = 5 * time.Minute
		consumer, err = js.CreateConsumer(ctx, spec.Stream, cfg)
	}
	if err != nil {
		c.fail("declare_queue")
		return errors.WrapTransient(err, "Client", "DeclareQueue", fmt.Sprintf("declare queue %s", spec.Name))
	}

	c.queuesMu.Lock()
	c.queues[spec.Name] = consumer
	c.queuesMu.Unlock()

	c.succeed()
	c.logger.Debug("Queue declared", "queue", spec.Name, "subject", spec.Subject, "durable", spec.Durable)
	return nil
}

// Publish sends data to subject through JetStream. The message carries a fresh id
// that is reused across the internal retries, so the stream drops duplicates.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	msgID := uuid.NewString()

	err = retry.Do(ctx, retry.Quick(), func() error {
		_, pubErr := js.PublishMsg(ctx, msg, jetstream.WithMsgID(msgID))
		if pubErr == nil || isRetryablePublish(pubErr) {
			return pubErr
		}
		return retry.Permanent(pubErr)
	})
	if err != nil {
		c.fail("publish")
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}

	c.succeed()
	return nil
}

// ConsumeOne pulls a single message from a declared queue. It returns
// ErrNoMessage when nothing arrived within the fetch wait.
func (c *Client) ConsumeOne(ctx context.Context, queue string) (Delivery, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	consumer, err := c.queue(queue)
	if err != nil {
		return nil, err
	}

	wait := c.set.fetchWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return nil, ctx.Err()
	}

	msg, err := consumer.Next(jetstream.FetchMaxWait(wait))
	if err != nil {
		if isNoMessage(err) {
			return nil, ErrNoMessage
		}
		c.fail("consume")
		return nil, errors.WrapTransient(err, "Client", "ConsumeOne", fmt.Sprintf("fetch from %s", queue))
	}
	return &jsDelivery{msg: msg}, nil
}

// MessageCount returns the number of messages waiting in a queue, counting
// deliveries that are not yet acknowledged.
func (c *Client) MessageCount(ctx context.Context, queue string) (uint64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	consumer, err := c.queue(queue)
	if err != nil {
		return 0, err
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		c.metrics.recordError("queue_info")
		return 0, errors.WrapTransient(err, "Client", "MessageCount", fmt.Sprintf("inspect %s", queue))
	}

	pending := info.NumPending + uint64(info.NumAckPending)
	c.metrics.recordQueueDepth(queue, pending)
	return pending, nil
}

func (c *Client) queue(name string) (jetstream.Consumer, error) {
	c.queuesMu.RLock()
	defer c.queuesMu.RUnlock()

	consumer, ok := c.queues[name]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrQueueNotDeclared, name),
			"Client", "queue", "look up queue")
	}
	return consumer, nil
}

// queueConsumerName turns a queue name into a valid durable consumer name.
func queueConsumerName(name string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(name)
}

func isRetryablePublish(err error) bool {
	return stderrors.Is(err, jetstream.ErrNoStreamResponse) ||
		stderrors.Is(err, nats.ErrTimeout) ||
		stderrors.Is(err, context.DeadlineExceeded)
}

func isNoMessage(err error) bool {
	if stderrors.Is(err, nats.ErrTimeout) || stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no messages") || strings.Contains(msg, "timeout")
}
