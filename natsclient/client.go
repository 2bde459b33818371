// Package natsclient wraps the NATS connection used by every pipeline worker.
// It exposes the broker surface the worker runtime consumes (stream and queue
// declaration, publish, pull-one consumption, acknowledgement and queue depth)
// on top of JetStream, plus the key-value buckets used for last-used bookkeeping.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/adsabs/ADSDeploy/errors"
)

// ConnectionStatus is the state of the underlying connection.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("NATS circuit breaker open")
	errClosed       = stderrors.New("client is closed")
)

// Client owns one NATS connection, its JetStream context and the queues
// declared on it.
type Client struct {
	url     string
	set     settings
	logger  *slog.Logger
	metrics *brokerMetrics
	breaker *breaker

	status atomic.Int32
	closed atomic.Bool

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	stop chan struct{}

	queuesMu sync.RWMutex
	queues   map[string]jetstream.Consumer
}

// NewClient prepares a client for url, a comma separated server list. Nothing
// is dialled until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	set := defaultSettings()
	for _, opt := range opts {
		if err := opt(&set); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c := &Client{
		url:     url,
		set:     set,
		logger:  set.logger.With("component", "natsclient"),
		breaker: newBreaker(set.breakerThreshold, set.breakerCooldown, set.breakerCap),
		queues:  make(map[string]jetstream.Consumer),
	}
	if set.registry != nil {
		m, err := newBrokerMetrics(set.registry)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "register metrics")
		}
		c.metrics = m
	}
	return c, nil
}

// URL returns the server list the client dials.
func (c *Client) URL() string { return c.url }

// Status returns the connection state.
func (c *Client) Status() ConnectionStatus { return ConnectionStatus(c.status.Load()) }

// IsHealthy reports whether broker calls can be made right now.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected && !c.breaker.isOpen()
}

// Failures returns the number of consecutive failed broker calls.
func (c *Client) Failures() int { return c.breaker.failureCount() }

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	if c.metrics != nil {
		c.metrics.core.RecordNATSStatus(s == StatusConnected)
	}
}

// fail records a failed broker call made for op.
func (c *Client) fail(op string) {
	c.metrics.recordError(op)
	if cooldown := c.breaker.fail(); cooldown > 0 {
		c.logger.Warn("Circuit breaker opened", "operation", op,
			"failures", c.breaker.failureCount(), "cooldown", cooldown)
	}
}

func (c *Client) succeed() { c.breaker.succeed() }

// ready fails fast while disconnected or while the breaker rejects calls.
func (c *Client) ready() error {
	if c.Status() != StatusConnected {
		return ErrNotConnected
	}
	if !c.breaker.allow() {
		return ErrCircuitOpen
	}
	return nil
}

// jetStream returns the JetStream context when a call may go ahead.
func (c *Client) jetStream() (jetstream.JetStream, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

func (c *Client) natsOptions() []nats.Option {
	s := c.set
	opts := []nats.Option{
		nats.MaxReconnects(s.maxReconnects),
		nats.ReconnectWait(s.reconnectWait),
		nats.PingInterval(s.pingInterval),
		nats.Timeout(s.timeout),
		nats.DrainTimeout(s.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setStatus(StatusReconnecting)
			if err != nil {
				c.logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.setStatus(StatusConnected)
			c.succeed()
			c.logger.Info("Reconnected to NATS", "server", conn.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(*nats.Conn) { c.setStatus(StatusDisconnected) }),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error("NATS async error", "error", err)
		}),
	}

	switch {
	case s.credsFile != "":
		opts = append(opts, nats.UserCredentials(s.credsFile))
	case s.token != "":
		opts = append(opts, nats.Token(s.token))
	case s.user != "":
		opts = append(opts, nats.UserInfo(s.user, s.password))
	}
	if s.name != "" {
		opts = append(opts, nats.Name(s.name))
	}
	return opts
}

// Connect dials the servers and sets up JetStream. Cancelling ctx abandons
// the dial.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(errClosed, "Client", "Connect", "check client state")
	}
	c.setStatus(StatusConnecting)

	type dial struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan dial, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.natsOptions()...)
		done <- dial{conn, err}
	}()

	var d dial
	select {
	case d = <-done:
	case <-ctx.Done():
		c.setStatus(StatusDisconnected)
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "dial "+c.url)
	}
	if d.err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(d.err, "Client", "Connect", "dial "+c.url)
	}
	conn := d.conn

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		c.setStatus(StatusDisconnected)
		return errors.WrapFatal(err, "Client", "Connect", "initialize JetStream")
	}

	c.mu.Lock()
	c.conn, c.js = conn, js
	if c.set.healthInterval > 0 {
		c.stop = make(chan struct{})
		go c.watch(conn, c.stop, c.set.healthInterval)
	}
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.succeed()
	c.logger.Info("Connected to NATS", "server", conn.ConnectedUrlRedacted())
	return nil
}

// WaitForConnection polls until the client is healthy or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !c.IsHealthy() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for NATS: %w", ctx.Err())
		case <-tick.C:
		}
	}
	return nil
}

// watch measures the round trip every interval until stop is closed.
func (c *Client) watch(conn *nats.Conn, stop <-chan struct{}, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
		}
		rtt, err := conn.RTT()
		if err != nil {
			if c.Status() == StatusConnected {
				c.setStatus(StatusReconnecting)
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.core.RecordNATSRTT(rtt)
		}
	}
}

// RTT returns the round trip to the connected server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Close drains the connection, bounded by ctx and the drain timeout. Calling
// it again is a no-op.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.queuesMu.Lock()
	clear(c.queues)
	c.queuesMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.conn, c.js = nil, nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.set.password, c.set.token = "", ""
	c.mu.Unlock()

	defer c.setStatus(StatusDisconnected)
	if conn == nil {
		return nil
	}
	defer conn.Close()

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	timer := time.NewTimer(c.set.drainTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-drained:
	case <-timer.C:
		err = fmt.Errorf("drain exceeded %v", c.set.drainTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		c.logger.Warn("NATS drain incomplete", "error", err)
		return errors.WrapTransient(err, "Client", "Close", "drain connection")
	}
	return nil
}

// CreateKeyValueBucket opens cfg.Bucket, creating it on first use.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		c.succeed()
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil && isAlreadyExists(err) {
		// another worker created it first
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		c.fail("create_kv")
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}

	c.succeed()
	c.logger.Info("Created KV bucket", "bucket", cfg.Bucket, "history", cfg.History)
	return bucket, nil
}

func isAlreadyExists(err error) bool {
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
