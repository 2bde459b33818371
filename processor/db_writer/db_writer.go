// Package dbwriter is the only writer of deployment records. It consumes the
// status topic and upserts the record named by each message, keeping at most
// one deployed record per target.
//
// Status messages are partial: a field absent from the message leaves the
// record's value untouched, while an explicit null clears it.
package dbwriter

import (
	"context"
	"log/slog"
	"time"

	"github.com/adsabs/ADSDeploy/config"
	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/metric"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/storage"
)

// Processor is the consistency writer.
type Processor struct {
	store   storage.Store
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time
}

// Option configures a Processor
type Option func(*Processor)

// WithMetrics counts persistence failures
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates the writer.
func New(store storage.Store, logger *slog.Logger, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "DBWriter", "New", "store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process applies one status message. A message without application,
// environment and version is rejected. Storage failures are logged and the
// message is dropped.
func (p *Processor) Process(ctx context.Context, in *payload.Payload) error {
	if err := in.RequireIdentity(); err != nil {
		return err
	}

	key := storage.Key{Application: in.Application, Environment: in.Environment, Version: in.ResolvedVersion()}
	var cleared int64
	err := p.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		cleared, err = p.write(ctx, tx, key, in)
		return err
	})
	if err != nil {
		p.logger.Error("Failed to write deployment record",
			"application", key.Application,
			"environment", key.Environment,
			"version", key.Version,
			"error", err)
		p.metrics.RecordError(config.RoleDBWriter, "persistence")
		return nil
	}

	if cleared > 0 {
		p.logger.Info("Superseded previous deployments", "target", key.Target().String(),
			"version", key.Version, "cleared", cleared)
	}
	return nil
}

func (p *Processor) write(ctx context.Context, tx storage.Tx, key storage.Key, in *payload.Payload) (int64, error) {
	if err := tx.LockTarget(ctx, key.Target()); err != nil {
		return 0, err
	}
	now := p.now()

	d, err := tx.Get(ctx, key)
	switch {
	case errors.Is(err, errors.ErrKeyNotFound):
		d = &storage.Deployment{Application: key.Application, Environment: key.Environment, Version: key.Version}
	case err != nil:
		return 0, err
	}

	apply(d, in)
	d.Touch(now)
	if err := tx.Save(ctx, d); err != nil {
		return 0, err
	}

	if !d.IsDeployed() {
		return 0, nil
	}
	return tx.ClearDeployed(ctx, key.Target(), d.ID, now)
}

func apply(d *storage.Deployment, in *payload.Payload) {
	if in.Deployed.Present() {
		if v, ok := in.Deployed.Get(); ok {
			d.Deployed = &v
		} else {
			d.Deployed = nil
		}
	}
	if in.Tested.Present() {
		d.Tested = in.Tested.Or(false)
	}
	if in.Msg.Present() {
		d.Msg = in.Msg.Or("")
	}
}
