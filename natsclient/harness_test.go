//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const natsImage = "nats:2.11.7-alpine"

// server is a JetStream-enabled NATS container with a connected Client.
type server struct {
	Client *Client
	URL    string
}

// startServer runs a NATS container for the lifetime of t and connects a
// client with reconnects and health checks disabled.
func startServer(t testing.TB) *server {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        natsImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--js", "--http_port", "8222"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp"),
			).WithDeadline(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start %s: %v", natsImage, err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("resolve NATS endpoint: %v", err)
	}

	client, err := NewClient(endpoint,
		WithTimeout(5*time.Second),
		WithMaxReconnects(0),
		WithHealthInterval(0),
		WithFetchWait(500*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to %s: %v", endpoint, err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &server{Client: client, URL: endpoint}
}

// lastUsed opens a fresh bucket shaped like the production last-used bucket.
func (s *server) lastUsed(t testing.TB, bucket string) *KVStore {
	t.Helper()
	kv, err := s.Client.CreateKeyValueBucket(context.Background(), jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	})
	if err != nil {
		t.Fatalf("create bucket %s: %v", bucket, err)
	}
	return s.Client.NewKVStore(kv)
}
