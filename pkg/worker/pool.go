// Package worker runs queued items through a fixed set of goroutines. The
// reaper uses it to check stale targets in parallel during a sweep.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adsabs/ADSDeploy/metric"
)

var (
	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("worker pool not running")
	// ErrRunning is returned when Start is called twice.
	ErrRunning = errors.New("worker pool already running")
	// ErrDrainTimeout is returned when queued items outlive the Stop timeout.
	ErrDrainTimeout = errors.New("worker pool did not drain in time")
)

// Handler processes one item.
type Handler[T any] func(context.Context, T) error

type state int

const (
	idle state = iota
	running
	closed
)

// Pool feeds items to a fixed number of goroutines through a bounded backlog.
type Pool[T any] struct {
	size    int
	handle  Handler[T]
	queue   chan T
	closing chan struct{}
	metrics *poolMetrics

	// mu is held for reading by senders so Stop can close the queue safely.
	mu    sync.RWMutex
	state state
	wg    sync.WaitGroup

	handled atomic.Int64
	failed  atomic.Int64
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Size    int
	Backlog int
	Handled int64
	Failed  int64
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports the pool under "<name>_pool_*". A name already
// registered is left to its first owner.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		if registry != nil && name != "" {
			p.metrics = newPoolMetrics(registry, name)
		}
	}
}

// NewPool returns a stopped pool of size goroutines with room for backlog
// queued items. It panics when handle is nil.
func NewPool[T any](size, backlog int, handle Handler[T], opts ...Option[T]) *Pool[T] {
	if handle == nil {
		panic("worker: nil handler")
	}
	size = max(size, 1)
	backlog = max(backlog, 0)

	p := &Pool[T]{
		size:    size,
		handle:  handle,
		queue:   make(chan T, backlog),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the goroutines. They exit when ctx is cancelled or the pool
// is stopped.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case running:
		return ErrRunning
	case closed:
		return ErrNotRunning
	}
	p.state = running

	p.wg.Add(p.size)
	for range p.size {
		go p.loop(ctx)
	}
	return nil
}

// Submit queues item, waiting for room in the backlog until ctx is done or the
// pool stops.
func (p *Pool[T]) Submit(ctx context.Context, item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.state != running {
		return ErrNotRunning
	}
	select {
	case p.queue <- item:
		return nil
	case <-p.closing:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses further items and waits up to timeout for the backlog to drain.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.RLock()
	st := p.state
	p.mu.RUnlock()
	if st != running {
		return nil
	}

	// Wake blocked senders before taking the write lock.
	close(p.closing)
	p.mu.Lock()
	p.state = closed
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrDrainTimeout
	}
}

// Stats reports the pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Size:    p.size,
		Backlog: len(p.queue),
		Handled: p.handled.Load(),
		Failed:  p.failed.Load(),
	}
}

func (p *Pool[T]) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, item)
		}
	}
}

func (p *Pool[T]) run(ctx context.Context, item T) {
	p.metrics.begin()
	start := time.Now()
	err := p.handle(ctx, item)

	p.handled.Add(1)
	if err != nil {
		p.failed.Add(1)
	}
	p.metrics.end(time.Since(start), err)
}

type poolMetrics struct {
	busy     prometheus.Gauge
	handled  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newPoolMetrics(registry *metric.MetricsRegistry, name string) *poolMetrics {
	m := &poolMetrics{
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Name:      name + "_pool_busy",
			Help:      "Items currently being handled",
		}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      name + "_pool_handled_total",
			Help:      "Items handled by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Name:      name + "_pool_handle_seconds",
			Help:      "Time spent handling one item",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"outcome"}),
	}

	owner := name + "_pool"
	if err := registry.Register(owner, name+"_pool_busy", m.busy); err != nil {
		return nil
	}
	_ = registry.Register(owner, name+"_pool_handled_total", m.handled)
	_ = registry.Register(owner, name+"_pool_handle_seconds", m.duration)
	return m
}

func (m *poolMetrics) begin() {
	if m != nil {
		m.busy.Inc()
	}
}

func (m *poolMetrics) end(took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.busy.Dec()
	m.handled.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(took.Seconds())
}
