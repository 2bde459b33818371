// Package metric holds the Prometheus registry shared by a worker process,
// the pipeline-wide collectors and the HTTP endpoint serving them.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/adsabs/ADSDeploy/errors"
)

// MetricsRegistry wraps a Prometheus registry holding the core metrics, the
// Go runtime collectors and whatever components register under their owner.
type MetricsRegistry struct {
	prom *prometheus.Registry
	core *Metrics

	mu    sync.Mutex
	owned map[string]prometheus.Collector
}

// NewMetricsRegistry creates a registry with the core metrics in place.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:  prometheus.NewRegistry(),
		core:  NewMetrics(),
		owned: make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(r.core.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry exposes the registry for gathering.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry { return r.prom }

// CoreMetrics returns the collectors shared by every role.
func (r *MetricsRegistry) CoreMetrics() *Metrics { return r.core }

// Register adds c under owner and name. Registering the same owner and name
// twice, or a collector whose metric names clash with one already present,
// is an invalid error.
func (r *MetricsRegistry) Register(owner, name string, c prometheus.Collector) error {
	key := owner + "." + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owned[key]; ok {
		return errors.WrapInvalid(fmt.Errorf("%s already registered", key), "MetricsRegistry", "Register", "register "+key)
	}
	if err := r.prom.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register", "register "+key)
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register "+key)
	}
	r.owned[key] = c
	return nil
}
