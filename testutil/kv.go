package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/adsabs/ADSDeploy/natsclient"
)

// MockKVStore is an in-memory key-value store with per-key revisions, matching
// the compare-and-swap behaviour of natsclient.KVStore.
type MockKVStore struct {
	mu       sync.Mutex
	entries  map[string]natsclient.KVEntry
	revision uint64

	// BeforeDelete, when set, runs right before a conditional delete is checked.
	BeforeDelete func(key string)
}

// NewMockKVStore creates an empty store.
func NewMockKVStore() *MockKVStore {
	return &MockKVStore{entries: make(map[string]natsclient.KVEntry)}
}

// Get returns the entry for key or natsclient.ErrKVKeyNotFound.
func (kv *MockKVStore) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	entry, ok := kv.entries[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	entry.Value = append([]byte(nil), entry.Value...)
	return &entry, nil
}

// Put writes key unconditionally.
func (kv *MockKVStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.put(key, value), nil
}

func (kv *MockKVStore) put(key string, value []byte) uint64 {
	kv.revision++
	kv.entries[key] = natsclient.KVEntry{Key: key, Value: append([]byte(nil), value...), Revision: kv.revision}
	return kv.revision
}

// Modify applies fn to the current value and stores the result.
func (kv *MockKVStore) Modify(_ context.Context, key string, fn func([]byte) ([]byte, error)) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var current []byte
	if entry, ok := kv.entries[key]; ok {
		current = entry.Value
	}
	next, err := fn(current)
	if err != nil {
		return 0, err
	}
	return kv.put(key, next), nil
}

// Delete removes key. A non-zero revision must match the current one.
func (kv *MockKVStore) Delete(_ context.Context, key string, revision uint64) error {
	if kv.BeforeDelete != nil {
		kv.BeforeDelete(key)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	entry, ok := kv.entries[key]
	if !ok {
		return natsclient.ErrKVKeyNotFound
	}
	if revision > 0 && entry.Revision != revision {
		return natsclient.ErrKVRevisionMismatch
	}
	delete(kv.entries, key)
	return nil
}

// Keys returns the keys ending with suffix, sorted.
func (kv *MockKVStore) Keys(_ context.Context, suffix string) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var keys []string
	for key := range kv.entries {
		if strings.HasSuffix(key, suffix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
