// Package afterdeploy records when a target was last deployed to, so the
// reaper can find idle environments.
package afterdeploy

import (
	"context"
	"log/slog"
	"time"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/lastused"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/pipeline"
)

// Store is the key-value bucket holding last-used entries.
type Store interface {
	Modify(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) (uint64, error)
}

// Processor is the after-deploy stage.
type Processor struct {
	pub    pipeline.Publisher
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates the stage.
func New(pub pipeline.Publisher, store Store, logger *slog.Logger) (*Processor, error) {
	if pub == nil || store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "AfterDeploy", "New", "publisher and store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{pub: pub, store: store, logger: logger, now: time.Now}, nil
}

// Process stamps the target's last-used entry with the current time.
func (p *Processor) Process(ctx context.Context, in *payload.Payload) error {
	if err := in.RequireTarget(); err != nil {
		return err
	}

	key := lastused.Key(in.Target())
	value := lastused.Encode(p.now())
	rev, err := p.store.Modify(ctx, key, func([]byte) ([]byte, error) {
		return value, nil
	})
	if err != nil {
		return errors.WrapTransient(err, "AfterDeploy", "Process", "update "+key)
	}
	p.logger.Info("Recorded last use", "key", key, "revision", rev)

	return p.pub.Publish(ctx, in)
}
