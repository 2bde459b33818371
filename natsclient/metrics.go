package natsclient

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/adsabs/ADSDeploy/metric"
)

// brokerMetrics tracks queue depth and failed broker operations.
type brokerMetrics struct {
	core *metric.Metrics

	queuePending *prometheus.GaugeVec   // by queue
	errors       *prometheus.CounterVec // by operation
}

func newBrokerMetrics(registry *metric.MetricsRegistry) (*brokerMetrics, error) {
	m := &brokerMetrics{
		core: registry.CoreMetrics(),
		queuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "queue_pending",
			Help:      "Messages waiting in a queue, including unacknowledged deliveries",
		}, []string{"queue"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "errors_total",
			Help:      "Failed broker operations",
		}, []string{"operation"}),
	}

	if err := registry.Register("broker", "queue_pending", m.queuePending); err != nil {
		return nil, err
	}
	if err := registry.Register("broker", "errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *brokerMetrics) recordError(operation string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(operation).Inc()
}

func (m *brokerMetrics) recordQueueDepth(queue string, pending uint64) {
	if m == nil {
		return
	}
	m.queuePending.WithLabelValues(queue).Set(float64(pending))
}
