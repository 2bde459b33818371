package storage

import (
	"context"
	"time"

	"github.com/adsabs/ADSDeploy/payload"
)

// Deployment is one version's lifecycle at a target. Deployed is nil while
// the outcome of the current stage is unknown.
type Deployment struct {
	ID          uint64
	Application string
	Environment string
	Version     string
	Deployed    *bool
	Tested      bool
	Msg         string
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// Key is the business key of a deployment record.
type Key struct {
	Application string
	Environment string
	Version     string
}

// Target returns the key's deployment target.
func (k Key) Target() payload.Target {
	return payload.Target{Application: k.Application, Environment: k.Environment}
}

// Key returns the record's business key.
func (d *Deployment) Key() Key {
	return Key{Application: d.Application, Environment: d.Environment, Version: d.Version}
}

// IsDeployed reports whether the record is the active deployment.
func (d *Deployment) IsDeployed() bool {
	return d.Deployed != nil && *d.Deployed
}

// Touch stamps the record as modified at now. ModifiedAt never moves
// backwards, and CreatedAt is set on first write.
func (d *Deployment) Touch(now time.Time) {
	now = now.UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if now.After(d.ModifiedAt) {
		d.ModifiedAt = now
	}
}

// Tx is a unit of work on deployment records. Records read through a Tx are
// locked until the transaction ends.
type Tx interface {
	// LockTarget serializes writers of target until the transaction ends.
	LockTarget(ctx context.Context, target payload.Target) error

	// Get returns the record for key or errors.ErrKeyNotFound.
	Get(ctx context.Context, key Key) (*Deployment, error)

	// Save inserts d when its ID is zero and updates it otherwise.
	Save(ctx context.Context, d *Deployment) error

	// ClearDeployed sets deployed=false on every deployed record of the
	// target except the one with exceptID, returning how many changed.
	ClearDeployed(ctx context.Context, target payload.Target, exceptID uint64, now time.Time) (int64, error)
}

// Store persists deployment records.
type Store interface {
	// InTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	InTx(ctx context.Context, fn func(Tx) error) error

	// List returns the records of a target, oldest first.
	List(ctx context.Context, target payload.Target) ([]Deployment, error)

	Close() error
}
