package natsclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipelineerrors "github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
}

func TestNewClient_InvalidOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithCircuitBreaker(0, time.Second, time.Minute))
	require.Error(t, err)
	assert.True(t, pipelineerrors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithFetchWait(0))
	assert.Error(t, err)
}

func TestConnectionStatus_String(t *testing.T) {
	tests := map[ConnectionStatus]string{
		StatusDisconnected:   "disconnected",
		StatusConnecting:     "connecting",
		StatusConnected:      "connected",
		StatusReconnecting:   "reconnecting",
		ConnectionStatus(99): "unknown",
	}
	for status, want := range tests {
		assert.Equal(t, want, status.String())
	}
}

func TestBreaker(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := newBreaker(3, time.Second, 4*time.Second)
	b.now = func() time.Time { return now }

	assert.Zero(t, b.fail())
	assert.Zero(t, b.fail())
	assert.True(t, b.allow())

	assert.Equal(t, time.Second, b.fail())
	assert.False(t, b.allow())

	// half-open after the cooldown, a failed probe doubles it
	now = now.Add(time.Second)
	assert.True(t, b.allow())
	assert.Equal(t, 2*time.Second, b.fail())
	now = now.Add(2 * time.Second)
	assert.Equal(t, 4*time.Second, b.fail())
	now = now.Add(4 * time.Second)
	assert.Equal(t, 4*time.Second, b.fail(), "cooldown is capped")

	b.succeed()
	assert.False(t, b.isOpen())
	assert.Equal(t, 0, b.failureCount())
	assert.True(t, b.allow())
}

func TestClient_OpenBreakerRejectsCalls(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreaker(1, time.Hour, time.Hour))
	require.NoError(t, err)
	client.setStatus(StatusConnected)

	client.fail("publish")
	assert.False(t, client.IsHealthy())
	assert.ErrorIs(t, client.ready(), ErrCircuitOpen)
	assert.Equal(t, 1, client.Failures())

	client.succeed()
	assert.NoError(t, client.ready())
}

func TestBrokerCalls_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.EnsureStream(ctx, StreamSpec{Name: "PIPELINE"}), ErrNotConnected)
	assert.ErrorIs(t, client.DeclareQueue(ctx, QueueSpec{Name: "deploy", Subject: "pipeline.deploy"}), ErrNotConnected)
	assert.ErrorIs(t, client.Publish(ctx, "pipeline.deploy", []byte(`{}`), nil), ErrNotConnected)

	_, err = client.ConsumeOne(ctx, "deploy")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.MessageCount(ctx, "deploy")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestQueueLookup_Undeclared(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = client.queue("restart")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipelineerrors.ErrQueueNotDeclared))
}

func TestQueueConsumerName(t *testing.T) {
	assert.Equal(t, "pipeline_before_deploy", queueConsumerName("pipeline.before_deploy"))
	assert.Equal(t, "deploy", queueConsumerName("deploy"))
}

func TestWaitForConnection_Timeout(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, client.WaitForConnection(ctx))
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, client.Close(context.Background()))
	assert.NoError(t, client.Close(context.Background()))

	err = client.Connect(context.Background())
	assert.True(t, pipelineerrors.IsFatal(err))
}

func TestWithMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)
	require.NotNil(t, client.metrics)

	client.metrics.recordQueueDepth("deploy", 3)
	client.metrics.recordError("publish")

	// a second client on the same registry collides with the first
	_, err = NewClient("nats://localhost:4222", WithMetrics(registry))
	assert.Error(t, err)

	var nilMetrics *brokerMetrics
	assert.NotPanics(t, func() { nilMetrics.recordError("publish") })
}

func TestKVErrorClassification(t *testing.T) {
	assert.True(t, IsKVNotFound(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFound(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFound(nil))

	assert.True(t, IsKVConflict(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflict(errors.New("wrong last sequence: 4")))
	assert.False(t, IsKVConflict(errors.New("timeout")))
}

func TestIsNoMessage(t *testing.T) {
	assert.True(t, isNoMessage(context.DeadlineExceeded))
	assert.True(t, isNoMessage(errors.New("nats: no messages")))
	assert.False(t, isNoMessage(errors.New("permissions violation")))
}
