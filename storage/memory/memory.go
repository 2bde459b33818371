// Package memory is an in-process storage.Store. Transactions are serialized
// and a failed transaction restores the state it started from.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/storage"
)

// Store keeps deployment records in a map.
type Store struct {
	mu      sync.Mutex
	records map[uint64]storage.Deployment
	nextID  uint64
	closed  bool

	// FailSave, when set, is returned by Tx.Save.
	FailSave error
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[uint64]storage.Deployment)}
}

// InTx runs fn with exclusive access to the records.
func (s *Store) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "MemoryStore", "InTx", "begin")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := make(map[uint64]storage.Deployment, len(s.records))
	for id, d := range s.records {
		snapshot[id] = d
	}
	nextID := s.nextID

	if err := fn(&tx{s: s}); err != nil {
		s.records = snapshot
		s.nextID = nextID
		return err
	}
	return nil
}

// List returns the records of target ordered by ID.
func (s *Store) List(_ context.Context, target payload.Target) ([]storage.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.Deployment
	for _, d := range s.records {
		if d.Application == target.Application && d.Environment == target.Environment {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close makes further transactions fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type tx struct {
	s *Store
}

// LockTarget is a no-op: InTx already holds the store mutex.
func (t *tx) LockTarget(context.Context, payload.Target) error { return nil }

func (t *tx) Get(_ context.Context, key storage.Key) (*storage.Deployment, error) {
	for _, d := range t.s.records {
		if d.Key() == key {
			c := clone(d)
			return &c, nil
		}
	}
	return nil, errors.ErrKeyNotFound
}

func (t *tx) Save(_ context.Context, d *storage.Deployment) error {
	if t.s.FailSave != nil {
		return t.s.FailSave
	}
	if d.ID == 0 {
		for _, existing := range t.s.records {
			if existing.Key() == d.Key() {
				return errors.WrapInvalid(errors.ErrInvalidData, "MemoryStore", "Save", "duplicate key")
			}
		}
		t.s.nextID++
		d.ID = t.s.nextID
	} else if _, ok := t.s.records[d.ID]; !ok {
		return errors.ErrKeyNotFound
	}
	t.s.records[d.ID] = clone(*d)
	return nil
}

func (t *tx) ClearDeployed(_ context.Context, target payload.Target, exceptID uint64, now time.Time) (int64, error) {
	var n int64
	for id, d := range t.s.records {
		if id == exceptID || d.Application != target.Application || d.Environment != target.Environment {
			continue
		}
		if !d.IsDeployed() {
			continue
		}
		off := false
		d.Deployed = &off
		d.Touch(now)
		t.s.records[id] = d
		n++
	}
	return n, nil
}

func clone(d storage.Deployment) storage.Deployment {
	if d.Deployed != nil {
		v := *d.Deployed
		d.Deployed = &v
	}
	return d
}
