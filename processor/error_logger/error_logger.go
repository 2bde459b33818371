// Package errorlogger reports terminal pipeline failures published on the
// error topic.
package errorlogger

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/metric"
	"github.com/adsabs/ADSDeploy/payload"
)

type loggerMetrics struct {
	failures *prometheus.CounterVec
}

func newLoggerMetrics(registry *metric.MetricsRegistry) (*loggerMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &loggerMetrics{
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "Terminal pipeline failures by application and reason",
		}, []string{"application", "reason"}),
	}
	if err := registry.Register("error_logger", "failures_total", m.failures); err != nil {
		return nil, err
	}
	return m, nil
}

// Processor logs every failure it receives.
type Processor struct {
	logger  *slog.Logger
	metrics *loggerMetrics
}

// New creates the error logger. registry may be nil.
func New(logger *slog.Logger, registry *metric.MetricsRegistry) (*Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newLoggerMetrics(registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "ErrorLogger", "New", "register metrics")
	}
	return &Processor{logger: logger, metrics: m}, nil
}

// Process logs the failure. It never fails.
func (p *Processor) Process(_ context.Context, in *payload.Payload) error {
	reason := in.Err
	if reason == "" {
		reason = "unknown"
	}
	p.logger.Error("Pipeline failure",
		"application", in.Application,
		"environment", in.Environment,
		"version", in.ResolvedVersion(),
		"reason", reason,
		"status", in.Msg.Or(""))

	if p.metrics != nil {
		p.metrics.failures.WithLabelValues(in.Application, reason).Inc()
	}
	return nil
}
