//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func declarePipeline(t *testing.T, client *Client, queues ...string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, client.EnsureStream(ctx, StreamSpec{Name: "PIPELINE", Subjects: []string{"pipeline.>"}}))
	for _, q := range queues {
		require.NoError(t, client.DeclareQueue(ctx, QueueSpec{
			Stream:  "PIPELINE",
			Name:    q,
			Subject: q,
			Durable: true,
			AckWait: 2 * time.Second,
		}))
	}
}

func TestIntegration_PublishConsumeAck(t *testing.T) {
	tc := startServer(t)
	declarePipeline(t, tc.Client, "pipeline.deploy")
	ctx := context.Background()

	err := tc.Client.Publish(ctx, "pipeline.deploy", []byte(`{"application":"sandbox"}`),
		map[string]string{"Pipeline-Attempt": "1"})
	require.NoError(t, err)

	count, err := tc.Client.MessageCount(ctx, "pipeline.deploy")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	delivery, err := tc.Client.ConsumeOne(ctx, "pipeline.deploy")
	require.NoError(t, err)
	assert.Equal(t, "pipeline.deploy", delivery.Subject())
	assert.JSONEq(t, `{"application":"sandbox"}`, string(delivery.Data()))
	assert.Equal(t, "1", delivery.Header("Pipeline-Attempt"))
	require.NoError(t, delivery.Ack())

	_, err = tc.Client.ConsumeOne(ctx, "pipeline.deploy")
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestIntegration_NakWithDelayRedelivers(t *testing.T) {
	tc := startServer(t)
	declarePipeline(t, tc.Client, "pipeline.restart")
	ctx := context.Background()

	require.NoError(t, tc.Client.Publish(ctx, "pipeline.restart", []byte(`{}`), nil))

	first, err := tc.Client.ConsumeOne(ctx, "pipeline.restart")
	require.NoError(t, err)
	require.NoError(t, first.NakWithDelay(200*time.Millisecond))

	var second Delivery
	require.Eventually(t, func() bool {
		second, err = tc.Client.ConsumeOne(ctx, "pipeline.restart")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, second.Ack())
}

func TestIntegration_DeferredMessageDoesNotBlockQueue(t *testing.T) {
	tc := startServer(t)
	declarePipeline(t, tc.Client, "pipeline.before_deploy")
	ctx := context.Background()

	require.NoError(t, tc.Client.Publish(ctx, "pipeline.before_deploy", []byte(`{"environment":"busy"}`), nil))
	busy, err := tc.Client.ConsumeOne(ctx, "pipeline.before_deploy")
	require.NoError(t, err)
	require.NoError(t, busy.NakWithDelay(30*time.Second))

	require.NoError(t, tc.Client.Publish(ctx, "pipeline.before_deploy", []byte(`{"environment":"idle"}`), nil))

	var next Delivery
	require.Eventually(t, func() bool {
		next, err = tc.Client.ConsumeOne(ctx, "pipeline.before_deploy")
		return err == nil
	}, 3*time.Second, 50*time.Millisecond, "queue stalled behind a deferred message")
	assert.JSONEq(t, `{"environment":"idle"}`, string(next.Data()))
	require.NoError(t, next.Ack())
}

func TestIntegration_TermDoesNotRedeliver(t *testing.T) {
	tc := startServer(t)
	declarePipeline(t, tc.Client, "pipeline.error")
	ctx := context.Background()

	require.NoError(t, tc.Client.Publish(ctx, "pipeline.error", []byte(`{}`), nil))
	delivery, err := tc.Client.ConsumeOne(ctx, "pipeline.error")
	require.NoError(t, err)
	require.NoError(t, delivery.Term())

	_, err = tc.Client.ConsumeOne(ctx, "pipeline.error")
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestIntegration_QueuesAreIndependent(t *testing.T) {
	tc := startServer(t)
	declarePipeline(t, tc.Client, "pipeline.deploy", "pipeline.status")
	ctx := context.Background()

	require.NoError(t, tc.Client.Publish(ctx, "pipeline.status", []byte(`{}`), nil))

	_, err := tc.Client.ConsumeOne(ctx, "pipeline.deploy")
	assert.ErrorIs(t, err, ErrNoMessage)

	count, err := tc.Client.MessageCount(ctx, "pipeline.status")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestIntegration_KVModify(t *testing.T) {
	kv := startServer(t).lastUsed(t, "deploy_last_used")
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := kv.Modify(ctx, "counter", func(current []byte) ([]byte, error) {
				n := 0
				if len(current) > 0 {
					n, _ = strconv.Atoi(string(current))
				}
				return []byte(strconv.Itoa(n + 1)), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(writers), string(entry.Value))
}

func TestIntegration_KVConditionalDelete(t *testing.T) {
	kv := startServer(t).lastUsed(t, "deploy_last_used")
	ctx := context.Background()

	rev, err := kv.Put(ctx, "sandbox.dev.last-used", []byte("100"))
	require.NoError(t, err)
	_, err = kv.Put(ctx, "sandbox.dev.last-used", []byte("200"))
	require.NoError(t, err)

	err = kv.Delete(ctx, "sandbox.dev.last-used", rev)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	entry, err := kv.Get(ctx, "sandbox.dev.last-used")
	require.NoError(t, err)
	require.NoError(t, kv.Delete(ctx, "sandbox.dev.last-used", entry.Revision))

	_, err = kv.Get(ctx, "sandbox.dev.last-used")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestIntegration_KVKeysSuffix(t *testing.T) {
	kv := startServer(t).lastUsed(t, "deploy_last_used")
	ctx := context.Background()

	keys, err := kv.Keys(ctx, ".last-used")
	require.NoError(t, err)
	assert.Empty(t, keys)

	for _, env := range []string{"dev", "qa"} {
		_, err := kv.Put(ctx, fmt.Sprintf("sandbox.%s.last-used", env), []byte("1"))
		require.NoError(t, err)
	}
	_, err = kv.Put(ctx, "sandbox.dev.owner", []byte("ops"))
	require.NoError(t, err)

	keys, err = kv.Keys(ctx, ".last-used")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sandbox.dev.last-used", "sandbox.qa.last-used"}, keys)
}
