package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsabs/ADSDeploy/config"
	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/metric"
	"github.com/adsabs/ADSDeploy/payload"
	mocks "github.com/adsabs/ADSDeploy/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRoute() config.RouteConfig {
	return config.RouteConfig{
		Subscribe: config.TopicDeploy,
		Publish:   config.TopicTest,
		Status:    config.TopicStatus,
		Error:     config.TopicError,
		Durable:   true,
	}
}

func newTestRuntime(t *testing.T, broker *mocks.MockBroker, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithLogger(mocks.DiscardLogger()), WithPollBackoff(time.Millisecond)}, opts...)
	rt, err := NewRuntime(config.RoleDeploy, testRoute(), broker, opts...)
	require.NoError(t, err)
	return rt
}

// runUntil runs rt until cond holds, then stops it.
func runUntil(t *testing.T, rt *Runtime, proc Processor, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx, proc) }()

	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestNewRuntime_Validation(t *testing.T) {
	_, err := NewRuntime(config.RoleDeploy, config.RouteConfig{}, mocks.NewMockBroker())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	_, err = NewRuntime(config.RoleDeploy, testRoute(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestSetup_DeclaresQueue(t *testing.T) {
	broker := mocks.NewMockBroker()
	route := testRoute()
	route.AckWait = config.Duration(2 * time.Minute)
	rt, err := NewRuntime(config.RoleDeploy, route, broker, WithLogger(mocks.DiscardLogger()))
	require.NoError(t, err)

	require.NoError(t, rt.Setup(context.Background()))

	spec, ok := broker.Queue(config.RoleDeploy)
	require.True(t, ok)
	assert.Equal(t, "PIPELINE", spec.Stream)
	assert.Equal(t, config.TopicDeploy, spec.Subject)
	assert.True(t, spec.Durable)
	assert.Equal(t, 2*time.Minute, spec.AckWait)
}

func TestRun_AcksProcessedMessage(t *testing.T) {
	broker := mocks.NewMockBroker()
	rt := newTestRuntime(t, broker)
	require.NoError(t, rt.Setup(context.Background()))

	require.NoError(t, broker.Publish(context.Background(), config.TopicDeploy,
		[]byte(`{"application":"adsws","environment":"staging"}`), nil))

	var got atomic.Pointer[payload.Payload]
	proc := ProcessorFunc(func(ctx context.Context, p *payload.Payload) error {
		got.Store(p)
		p.SetMsg("deployed")
		return rt.Publish(ctx, p)
	})

	runUntil(t, rt, proc, func() bool { return len(broker.Published(config.TopicTest)) == 1 })

	assert.Equal(t, "adsws", got.Load().Application)
	deliveries := broker.Deliveries()
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Acked())
	assert.False(t, deliveries[0].Termed())
	assert.Equal(t, "deployed", broker.DecodeOne(t, config.TopicTest).Msg.Or(""))
}

func TestRun_TerminatesOnErrorAndPanic(t *testing.T) {
	broker := mocks.NewMockBroker()
	rt := newTestRuntime(t, broker)
	require.NoError(t, rt.Setup(context.Background()))

	for _, app := range []string{"fails", "panics", "works"} {
		require.NoError(t, broker.Publish(context.Background(), config.TopicDeploy,
			[]byte(`{"application":"`+app+`","environment":"qa"}`), nil))
	}

	var processed atomic.Int32
	proc := ProcessorFunc(func(_ context.Context, p *payload.Payload) error {
		defer processed.Add(1)
		switch p.Application {
		case "fails":
			return errors.WrapTransient(errors.ErrExecutionFailed, "test", "Process", "deploy")
		case "panics":
			panic("boom")
		}
		return nil
	})

	runUntil(t, rt, proc, func() bool { return processed.Load() == 3 })

	deliveries := broker.Deliveries()
	require.Len(t, deliveries, 3)
	assert.True(t, deliveries[0].Termed())
	assert.True(t, deliveries[1].Termed())
	assert.True(t, deliveries[2].Acked())
}

func TestRun_TerminatesUndecodable(t *testing.T) {
	broker := mocks.NewMockBroker()
	rt := newTestRuntime(t, broker)
	require.NoError(t, rt.Setup(context.Background()))

	d := broker.Inject(config.RoleDeploy, []byte(`not json`), nil)

	var calls atomic.Int32
	proc := ProcessorFunc(func(context.Context, *payload.Payload) error {
		calls.Add(1)
		return nil
	})

	runUntil(t, rt, proc, d.Termed)
	assert.Zero(t, calls.Load())
}

func TestRun_DefersUntilNotBefore(t *testing.T) {
	clock := newFakeClock()
	broker := mocks.NewMockBroker()
	broker.SetClock(clock.Now)
	rt := newTestRuntime(t, broker, WithClock(clock.Now))
	require.NoError(t, rt.Setup(context.Background()))

	p := &payload.Payload{Application: "adsws", Environment: "staging"}
	require.NoError(t, rt.PublishAfter(context.Background(), config.TopicDeploy, p, 30*time.Second))

	msg := broker.Published(config.TopicDeploy)
	require.Len(t, msg, 1)
	assert.Equal(t, clock.Now().Add(30*time.Second).Format(time.RFC3339Nano), msg[0].Headers[HeaderNotBefore])

	var calls atomic.Int32
	proc := ProcessorFunc(func(context.Context, *payload.Payload) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx, proc) }()

	require.Eventually(t, func() bool {
		ds := broker.Deliveries()
		return len(ds) == 1 && len(ds[0].Naks()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 30*time.Second, broker.Deliveries()[0].Naks()[0])
	assert.Zero(t, calls.Load())

	clock.Advance(31 * time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	ds := broker.Deliveries()
	require.Len(t, ds, 2)
	assert.True(t, ds[1].Acked())
}

func TestRun_HeartbeatsLongProcessing(t *testing.T) {
	broker := mocks.NewMockBroker()
	route := testRoute()
	route.AckWait = config.Duration(20 * time.Millisecond)
	rt, err := NewRuntime(config.RoleDeploy, route, broker, WithLogger(mocks.DiscardLogger()))
	require.NoError(t, err)
	require.NoError(t, rt.Setup(context.Background()))

	d := broker.Inject(config.RoleDeploy, []byte(`{"application":"adsws","environment":"qa"}`), nil)
	proc := ProcessorFunc(func(context.Context, *payload.Payload) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	runUntil(t, rt, proc, d.Acked)
	assert.GreaterOrEqual(t, d.Heartbeats(), 2)
}

func TestRun_ConsumeErrors(t *testing.T) {
	noop := ProcessorFunc(func(context.Context, *payload.Payload) error { return nil })

	t.Run("fatal stops the worker", func(t *testing.T) {
		broker := mocks.NewMockBroker()
		broker.ConsumeErr = errors.WrapFatal(mocks.ErrMockFailed, "test", "ConsumeOne", "fetch")
		rt := newTestRuntime(t, broker)

		err := rt.Run(context.Background(), noop)
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("transient is retried", func(t *testing.T) {
		broker := mocks.NewMockBroker()
		broker.ConsumeErr = mocks.ErrMockConnection
		rt := newTestRuntime(t, broker)
		require.NoError(t, rt.Setup(context.Background()))

		d := broker.Inject(config.RoleDeploy, []byte(`{"application":"a","environment":"e"}`), nil)
		runUntil(t, rt, noop, d.Acked)
	})
}

func TestPublish_Topics(t *testing.T) {
	broker := mocks.NewMockBroker()
	route := testRoute()
	route.Publish = ""
	rt, err := NewRuntime(config.RoleAfterDeploy, route, broker, WithLogger(mocks.DiscardLogger()))
	require.NoError(t, err)

	ctx := context.Background()
	p := &payload.Payload{Application: "adsws", Environment: "qa"}

	require.NoError(t, rt.Publish(ctx, p))
	require.NoError(t, rt.PublishStatus(ctx, p))
	require.NoError(t, rt.PublishToError(ctx, p))
	require.NoError(t, rt.PublishTo(ctx, config.TopicRestart, p))

	assert.Equal(t, []string{config.TopicStatus, config.TopicError, config.TopicRestart}, broker.Subjects())
}

func TestPublish_BrokerError(t *testing.T) {
	broker := mocks.NewMockBroker()
	broker.PublishErr[config.TopicStatus] = errors.WrapTransient(mocks.ErrMockConnection, "test", "Publish", "publish")
	rt := newTestRuntime(t, broker)

	err := rt.PublishStatus(context.Background(), &payload.Payload{Application: "adsws"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestRun_RecordsMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	broker := mocks.NewMockBroker()
	rt := newTestRuntime(t, broker, WithMetrics(registry))
	require.NoError(t, rt.Setup(context.Background()))

	ok := broker.Inject(config.RoleDeploy, []byte(`{"application":"a","environment":"e"}`), nil)
	bad := broker.Inject(config.RoleDeploy, []byte(`[]`), nil)

	proc := ProcessorFunc(func(ctx context.Context, p *payload.Payload) error { return rt.PublishStatus(ctx, p) })
	runUntil(t, rt, proc, func() bool { return ok.Acked() && bad.Termed() })

	m := registry.CoreMetrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesConsumed.WithLabelValues(config.RoleDeploy)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesProcessed.WithLabelValues(config.RoleDeploy, "ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesProcessed.WithLabelValues(config.RoleDeploy, "term")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(config.RoleDeploy, "decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesPublished.WithLabelValues(config.RoleDeploy, config.TopicStatus)))
}
