package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/metric"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a cache whose entries expire a fixed duration after they were set.
type TTL[V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]entry[V]
	now   func() time.Time

	stats   Statistics
	metrics *cacheMetrics
}

// Option configures a TTL cache.
type Option[V any] func(*options)

type options struct {
	registry *metric.MetricsRegistry
	prefix   string
	now      func() time.Time
}

// WithMetrics exports hit, miss and eviction counters under prefix. A nil
// registry or an empty prefix is ignored.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(o *options) {
		if registry != nil && prefix != "" {
			o.registry = registry
			o.prefix = prefix
		}
	}
}

// WithClock replaces time.Now.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(o *options) { o.now = now }
}

// NewTTL creates a cache. ttl must be positive.
func NewTTL[V any](ttl time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: ttl %s", errors.ErrInvalidConfig, ttl),
			"cache", "NewTTL", "validate ttl")
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &TTL[V]{
		ttl:   ttl,
		items: make(map[string]entry[V]),
		now:   o.now,
	}
	if o.registry != nil {
		m, err := newCacheMetrics(o.registry, o.prefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewTTL", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

// Get returns the value stored under key unless it has expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	expired := ok && !c.now().Before(e.expiresAt)
	if expired {
		delete(c.items, key)
	}
	c.mu.Unlock()

	if expired {
		c.stats.eviction()
		c.metrics.recordEviction()
	}
	if !ok || expired {
		c.stats.miss()
		c.metrics.recordMiss()
		var zero V
		return zero, false
	}
	c.stats.hit()
	c.metrics.recordHit()
	return e.value, true
}

// Set stores value under key and restarts its expiry.
func (c *TTL[V]) Set(key string, value V) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrMissingField, "cache", "Set", "validate key")
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes key and reports whether it was present.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	delete(c.items, key)
	return ok
}

// Len returns the number of stored entries, expired ones included until
// they are next accessed.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns the cache counters.
func (c *TTL[V]) Stats() Snapshot {
	return c.stats.snapshot()
}
