package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/natsclient"
	"github.com/adsabs/ADSDeploy/payload"
)

// Errors injected by tests into the mocks.
var (
	ErrMockFailed     = errors.New("mock operation failed")
	ErrMockConnection = errors.New("mock connection error")
)

// Published is one message recorded by MockBroker.
type Published struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// MockBroker is an in-memory broker for stage tests. Published messages are
// recorded per subject and routed to every declared queue bound to the subject.
// Thread-safe for concurrent use from multiple goroutines.
type MockBroker struct {
	mu        sync.Mutex
	now       func() time.Time
	streams   []natsclient.StreamSpec
	queues    map[string]natsclient.QueueSpec
	pending   map[string][]*MockDelivery
	published []Published
	handedOut []*MockDelivery

	// PublishErr, when set, fails every publish to the subject.
	PublishErr map[string]error
	// ConsumeErr, when set, is returned once by the next ConsumeOne.
	ConsumeErr error
}

// NewMockBroker creates an empty broker.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		now:        time.Now,
		queues:     make(map[string]natsclient.QueueSpec),
		pending:    make(map[string][]*MockDelivery),
		PublishErr: make(map[string]error),
	}
}

// SetClock makes the broker use now to decide when a delayed nak is due.
func (b *MockBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// EnsureStream records the stream.
func (b *MockBroker) EnsureStream(_ context.Context, spec natsclient.StreamSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = append(b.streams, spec)
	return nil
}

// DeclareQueue binds a queue to a subject.
func (b *MockBroker) DeclareQueue(_ context.Context, spec natsclient.QueueSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[spec.Name] = spec
	return nil
}

// Queue returns the spec a queue was declared with.
func (b *MockBroker) Queue(name string) (natsclient.QueueSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.queues[name]
	return spec, ok
}

// Publish records the message and enqueues it on matching queues.
func (b *MockBroker) Publish(_ context.Context, subject string, data []byte, headers map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.PublishErr[subject]; err != nil {
		return err
	}

	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	b.published = append(b.published, Published{Subject: subject, Data: data, Headers: copied})

	for name, spec := range b.queues {
		if spec.Subject == subject {
			b.pending[name] = append(b.pending[name], &MockDelivery{
				broker:  b,
				queue:   name,
				subject: subject,
				data:    data,
				headers: copied,
			})
		}
	}
	return nil
}

// Inject enqueues raw data on a declared queue without recording a publish.
func (b *MockBroker) Inject(queue string, data []byte, headers map[string]string) *MockDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := &MockDelivery{
		broker:  b,
		queue:   queue,
		subject: b.queues[queue].Subject,
		data:    data,
		headers: headers,
	}
	b.pending[queue] = append(b.pending[queue], d)
	return d
}

// ConsumeOne hands out the first due message of a queue. It waits briefly and
// returns natsclient.ErrNoMessage when none is due.
func (b *MockBroker) ConsumeOne(ctx context.Context, queue string) (natsclient.Delivery, error) {
	b.mu.Lock()
	_, declared := b.queues[queue]
	consumeErr := b.ConsumeErr
	b.ConsumeErr = nil
	b.mu.Unlock()

	if consumeErr != nil {
		return nil, consumeErr
	}
	if d := b.next(queue); d != nil {
		return d, nil
	}
	if !declared {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrQueueNotDeclared, queue),
			"MockBroker", "ConsumeOne", "look up queue")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return nil, natsclient.ErrNoMessage
}

func (b *MockBroker) next(queue string) *MockDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for i, d := range b.pending[queue] {
		if d.availableAt.After(now) {
			continue
		}
		b.pending[queue] = append(b.pending[queue][:i:i], b.pending[queue][i+1:]...)
		b.handedOut = append(b.handedOut, d)
		return d
	}
	return nil
}

// MessageCount returns the number of messages waiting in a queue.
func (b *MockBroker) MessageCount(_ context.Context, queue string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.pending[queue])), nil
}

// Published returns every message published to subject.
func (b *MockBroker) Published(subject string) []Published {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Published
	for _, p := range b.published {
		if p.Subject == subject {
			out = append(out, p)
		}
	}
	return out
}

// Subjects returns the subject of every publish, in order.
func (b *MockBroker) Subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.published))
	for i, p := range b.published {
		out[i] = p.Subject
	}
	return out
}

// Payloads decodes every message published to subject.
func (b *MockBroker) Payloads(t testing.TB, subject string) []*payload.Payload {
	t.Helper()

	var out []*payload.Payload
	for _, msg := range b.Published(subject) {
		p, err := payload.Decode(msg.Data)
		if err != nil {
			t.Fatalf("decode message on %s: %v", subject, err)
		}
		out = append(out, p)
	}
	return out
}

// Deliveries returns every delivery handed out by ConsumeOne.
func (b *MockBroker) Deliveries() []*MockDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*MockDelivery, len(b.handedOut))
	copy(out, b.handedOut)
	return out
}

// Reset clears recorded publishes and pending messages; declared queues stay.
func (b *MockBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
	b.handedOut = nil
	b.pending = make(map[string][]*MockDelivery)
}

// MockDelivery records how a message was settled.
type MockDelivery struct {
	broker      *MockBroker
	queue       string
	subject     string
	data        []byte
	headers     map[string]string
	availableAt time.Time

	mu         sync.Mutex
	acked      bool
	termed     bool
	naks       []time.Duration
	inProgress int
}

// Subject returns the subject the message was published to
func (d *MockDelivery) Subject() string { return d.subject }

// Data returns the message body
func (d *MockDelivery) Data() []byte { return d.data }

// Header returns a header value
func (d *MockDelivery) Header(key string) string { return d.headers[key] }

// Ack marks the message acknowledged
func (d *MockDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

// Term marks the message terminated
func (d *MockDelivery) Term() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.termed = true
	return nil
}

// InProgress counts heartbeats
func (d *MockDelivery) InProgress() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inProgress++
	return nil
}

// NakWithDelay puts the message back on its queue, due after delay.
func (d *MockDelivery) NakWithDelay(delay time.Duration) error {
	d.mu.Lock()
	d.naks = append(d.naks, delay)
	d.mu.Unlock()

	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[d.queue] = append(b.pending[d.queue], &MockDelivery{
		broker:      b,
		queue:       d.queue,
		subject:     d.subject,
		data:        d.data,
		headers:     d.headers,
		availableAt: b.now().Add(delay),
	})
	return nil
}

// Acked reports whether Ack was called
func (d *MockDelivery) Acked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Termed reports whether Term was called
func (d *MockDelivery) Termed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.termed
}

// Naks returns the delays of every NakWithDelay call
func (d *MockDelivery) Naks() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.naks...)
}

// Heartbeats returns the number of InProgress calls
func (d *MockDelivery) Heartbeats() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inProgress
}

// MustJSON marshals v or fails the test.
func MustJSON(t testing.TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// DecodeOne decodes the only message published to subject.
func (b *MockBroker) DecodeOne(t testing.TB, subject string) *payload.Payload {
	t.Helper()
	msgs := b.Payloads(t, subject)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message on %s, got %d (published: %s)",
			subject, len(msgs), strings.Join(b.Subjects(), ", "))
	}
	return msgs[0]
}
