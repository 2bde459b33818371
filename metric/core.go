package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the pipeline.
const Namespace = "rollout"

// Metrics are the collectors every worker role shares. Record methods are
// no-ops on a nil *Metrics.
type Metrics struct {
	MessagesConsumed   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	MessagesDeferred   *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec

	NATSConnected prometheus.Gauge
	NATSRTT       prometheus.Gauge
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

// stageBuckets span a quick status write up to a half hour deploy.
var stageBuckets = []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 900, 1800}

// NewMetrics creates the shared collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesConsumed:  counterVec("messages", "consumed_total", "Messages pulled from a stage queue", "stage"),
		MessagesProcessed: counterVec("messages", "processed_total", "Messages settled, by outcome (ack, term)", "stage", "status"),
		MessagesPublished: counterVec("messages", "published_total", "Messages published", "stage", "subject"),
		MessagesDeferred:  counterVec("messages", "deferred_total", "Deliveries put back until their not-before time", "stage"),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "processing",
			Name:      "duration_seconds",
			Help:      "Time a stage spent on one message",
			Buckets:   stageBuckets,
		}, []string{"stage"}),
		ErrorsTotal:   counterVec("errors", "total", "Failures by stage and class", "stage", "type"),
		NATSConnected: gauge("nats", "connected", "1 while the NATS connection is up"),
		NATSRTT:       gauge("nats", "rtt_milliseconds", "Last measured NATS round trip"),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesConsumed, m.MessagesProcessed, m.MessagesPublished, m.MessagesDeferred,
		m.ProcessingDuration, m.ErrorsTotal, m.NATSConnected, m.NATSRTT,
	}
}

func (m *Metrics) RecordMessageConsumed(stage string) {
	if m != nil {
		m.MessagesConsumed.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) RecordMessageProcessed(stage, status string) {
	if m != nil {
		m.MessagesProcessed.WithLabelValues(stage, status).Inc()
	}
}

func (m *Metrics) RecordMessagePublished(stage, subject string) {
	if m != nil {
		m.MessagesPublished.WithLabelValues(stage, subject).Inc()
	}
}

func (m *Metrics) RecordMessageDeferred(stage string) {
	if m != nil {
		m.MessagesDeferred.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) RecordProcessingDuration(stage string, took time.Duration) {
	if m != nil {
		m.ProcessingDuration.WithLabelValues(stage).Observe(took.Seconds())
	}
}

// RecordError counts a failure; class is usually errors.Classify(err).String().
func (m *Metrics) RecordError(stage, class string) {
	if m != nil {
		m.ErrorsTotal.WithLabelValues(stage, class).Inc()
	}
}

func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

func (m *Metrics) RecordNATSRTT(rtt time.Duration) {
	if m != nil {
		m.NATSRTT.Set(float64(rtt.Microseconds()) / 1000)
	}
}
