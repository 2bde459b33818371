package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/executor"
	"github.com/adsabs/ADSDeploy/payload"
)

// MockRunner is an executor.Runner that returns canned results.
type MockRunner struct {
	mu      sync.Mutex
	results map[string]*executor.Result
	errs    map[string]error
	calls   []string

	// Default is returned for commands without a canned result.
	Default executor.Result
}

// NewMockRunner creates a runner where every command succeeds with no output.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		results: make(map[string]*executor.Result),
		errs:    make(map[string]error),
	}
}

// On sets the result for commands starting with prefix (after expansion).
// A non-zero exit code makes Run fail with errors.ErrExecutionFailed.
func (m *MockRunner) On(prefix string, res executor.Result) *MockRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[prefix] = &res
	return m
}

// Fail makes commands starting with prefix return err.
func (m *MockRunner) Fail(prefix string, err error) *MockRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[prefix] = err
	return m
}

// Run records the expanded command and returns the canned result.
func (m *MockRunner) Run(_ context.Context, target payload.Target, command string) (*executor.Result, error) {
	expanded := executor.Expand(command, target)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, expanded)

	for prefix, err := range m.errs {
		if strings.HasPrefix(expanded, prefix) {
			return nil, err
		}
	}

	res := m.Default
	for prefix, r := range m.results {
		if strings.HasPrefix(expanded, prefix) {
			res = *r
			break
		}
	}
	res.Command = expanded
	if res.ExitCode != 0 {
		return &res, errors.Wrap(fmt.Errorf("%w: exit status %d", errors.ErrExecutionFailed, res.ExitCode),
			"MockRunner", "Run", expanded)
	}
	return &res, nil
}

// Calls returns the expanded commands in call order.
func (m *MockRunner) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
