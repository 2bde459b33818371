package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/adsabs/ADSDeploy/pkg/retry"
)

// KV errors returned by KVStore in place of the jetstream ones.
var (
	ErrKVKeyNotFound      = errors.New("kv: key not found")
	ErrKVRevisionMismatch = errors.New("kv: revision changed")
	ErrKVContended        = errors.New("kv: too many concurrent writers")
)

// KVEntry is a value together with the revision it was stored at.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions tune a KVStore.
type KVOptions struct {
	// Attempts bounds the read-modify-write loop in Modify.
	Attempts int
	// Backoff is the delay after the first conflict, doubled up to BackoffCap.
	Backoff    time.Duration
	BackoffCap time.Duration
	// Timeout applies to each bucket call. Zero leaves the caller's deadline.
	Timeout time.Duration
}

// DefaultKVOptions suits the last-used bucket, where a handful of stages race
// on the same key at most.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Attempts:   6,
		Backoff:    10 * time.Millisecond,
		BackoffCap: 500 * time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

// KVStore is a JetStream key-value bucket with revision-checked writes.
type KVStore struct {
	bucket jetstream.KeyValue
	opts   KVOptions
	logger *slog.Logger
}

// NewKVStore wraps bucket. Each option edits the defaults in place.
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	o := DefaultKVOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &KVStore{bucket: bucket, opts: o, logger: c.logger}
}

func (kv *KVStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, kv.opts.Timeout)
}

// kvError maps bucket failures onto the KV errors above.
func kvError(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsKVNotFound(err):
		return ErrKVKeyNotFound
	case IsKVConflict(err):
		return ErrKVRevisionMismatch
	}
	return fmt.Errorf("kv %s %s: %w", op, key, err)
}

// Get returns the current entry for key.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	e, err := kv.bucket.Get(ctx, key)
	if err != nil {
		return nil, kvError("get", key, err)
	}
	return &KVEntry{Key: key, Value: e.Value(), Revision: e.Revision()}, nil
}

// Put overwrites key regardless of its revision.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	return rev, kvError("put", key, err)
}

// Modify stores fn(current) under key, creating the key when absent. A write
// that loses a race re-reads and calls fn again. An error from fn ends the
// loop and is returned as is.
func (kv *KVStore) Modify(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) (uint64, error) {
	policy := retry.Policy{
		Attempts: kv.opts.Attempts,
		Base:     kv.opts.Backoff,
		Cap:      kv.opts.BackoffCap,
		Factor:   2,
		Jitter:   true,
	}

	attempt := 0
	rev, err := retry.Value(ctx, policy, func() (uint64, error) {
		attempt++
		return kv.modifyOnce(ctx, key, fn, attempt)
	})
	if errors.Is(err, ErrKVRevisionMismatch) {
		return 0, fmt.Errorf("%w: %s", ErrKVContended, key)
	}
	return rev, err
}

func (kv *KVStore) modifyOnce(ctx context.Context, key string, fn func([]byte) ([]byte, error),
	attempt int,
) (uint64, error) {
	var current []byte
	var seen uint64
	switch e, err := kv.Get(ctx, key); {
	case err == nil:
		current, seen = e.Value, e.Revision
	case !errors.Is(err, ErrKVKeyNotFound):
		return 0, err
	}

	next, err := fn(current)
	if err != nil {
		return 0, retry.Permanent(err)
	}

	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	var rev uint64
	if seen == 0 {
		rev, err = kv.bucket.Create(ctx, key, next)
	} else {
		rev, err = kv.bucket.Update(ctx, key, next, seen)
	}
	err = kvError("write", key, err)
	if errors.Is(err, ErrKVRevisionMismatch) {
		kv.logger.Debug("KV write lost a race", "key", key, "attempt", attempt, "of", kv.opts.Attempts)
	}
	return rev, err
}

// Delete removes key. With a non-zero revision the delete only happens while
// key is still at that revision, otherwise ErrKVRevisionMismatch is returned.
func (kv *KVStore) Delete(ctx context.Context, key string, revision uint64) error {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	var opts []jetstream.KVDeleteOpt
	if revision > 0 {
		opts = append(opts, jetstream.LastRevision(revision))
	}
	return kvError("delete", key, kv.bucket.Delete(ctx, key, opts...))
}

// Keys lists the keys ending in suffix.
func (kv *KVStore) Keys(ctx context.Context, suffix string) ([]string, error) {
	lister, err := kv.bucket.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasSuffix(key, suffix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// IsKVNotFound reports whether err means the key is absent or deleted.
// 10037 is the JetStream "no message found" API code.
func IsKVNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// IsKVConflict reports whether err is a failed revision check.
// 10071 is the JetStream "wrong last sequence" API code.
func IsKVConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists")
}
