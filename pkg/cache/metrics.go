package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/adsabs/ADSDeploy/metric"
)

// cacheMetrics mirrors Statistics as Prometheus counters. A nil value is a no-op.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"cache": prefix},
		})
	}
	m := &cacheMetrics{
		hits:      counter("hits_total", "Cache lookups that found a live entry"),
		misses:    counter("misses_total", "Cache lookups that found nothing"),
		evictions: counter("evictions_total", "Entries dropped after expiring"),
	}

	for name, c := range map[string]prometheus.Counter{
		"hits_total":      m.hits,
		"misses_total":    m.misses,
		"evictions_total": m.evictions,
	} {
		if err := registry.Register("cache_"+prefix, name, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}
