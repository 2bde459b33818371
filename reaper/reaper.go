// Package reaper terminates idle test environments whose last-used entry has
// not been refreshed within the cleanup window.
//
// A sweep lists every "<application>.<environment>.last-used" key, keeps those
// whose environment is reapable (test environments only), picks the stale ones
// and hands them to a bounded worker pool. Each check re-reads the
// entry right before terminating anything and deletes the key with a revision
// guard, so a deployment that lands mid-sweep keeps its environments.
package reaper

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/lastused"
	"github.com/adsabs/ADSDeploy/metric"
	"github.com/adsabs/ADSDeploy/natsclient"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/pkg/worker"
	"github.com/adsabs/ADSDeploy/probe"
)

// KV is the subset of natsclient.KVStore the reaper needs.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Keys(ctx context.Context, suffix string) ([]string, error)
	Delete(ctx context.Context, key string, revision uint64) error
}

// Environments lists and terminates idle environments.
type Environments interface {
	probe.Lister
	probe.Terminator
}

// Config controls the sweep.
type Config struct {
	CleanupAfter time.Duration
	Schedule     string
	Workers      int
	QueueSize    int
	DrainTimeout time.Duration

	// Reapable names the environments whose idle resources may be
	// terminated. Entries of any other environment are never touched.
	Reapable []string

	// TerminateRate caps terminations per second across all checks. Zero
	// leaves them unthrottled.
	TerminateRate  float64
	TerminateBurst int
}

// DefaultConfig returns a 50 minute cleanup window swept every five minutes.
func DefaultConfig() Config {
	return Config{
		CleanupAfter: 50 * time.Minute,
		Schedule:     "@every 5m",
		Workers:      2,
		QueueSize:    256,
		DrainTimeout: 10 * time.Minute,
		Reapable:     []string{"testing", "sandbox"},

		TerminateRate:  1,
		TerminateBurst: 3,
	}
}

// Report summarises one sweep.
type Report struct {
	Scanned    int
	Stale      int
	Reaped     int
	Skipped    int
	Failed     int
	Terminated int
}

type candidate struct {
	key      string
	target   payload.Target
	revision uint64
	sweep    *sweep
}

// sweep collects the outcome of the checks queued by one Sweep call.
type sweep struct {
	wg         sync.WaitGroup
	reaped     atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
	terminated atomic.Int64
}

// Reaper sweeps stale last-used entries on a cron schedule.
type Reaper struct {
	kv       KV
	envs     Environments
	cfg      Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	now      func() time.Time
	limiter  *rate.Limiter

	mu   sync.Mutex
	pool *worker.Pool[candidate]
	cron *cron.Cron
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithMetricsRegistry exposes the check pool metrics under "reaper_pool_".
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(r *Reaper) { r.registry = registry }
}

// New validates cfg and creates a Reaper.
func New(kv KV, envs Environments, cfg Config, logger *slog.Logger, opts ...Option) (*Reaper, error) {
	if kv == nil || envs == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Reaper", "New", "check dependencies")
	}
	if cfg.CleanupAfter <= 0 {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Reaper", "New", "check cleanup_after")
	}
	if len(cfg.Reapable) == 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Reaper", "New", "check reapable environments")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reaper{
		kv:     kv,
		envs:   envs,
		cfg:    cfg,
		logger: logger.With("component", "reaper"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if cfg.TerminateRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.TerminateRate), max(cfg.TerminateBurst, 1))
	}

	var poolOpts []worker.Option[candidate]
	if r.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[candidate](r.registry, "reaper"))
	}
	r.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, r.process, poolOpts...)
	return r, nil
}

// Start launches the check pool and schedules the sweep. It returns once the
// scheduler is running. An empty schedule leaves sweeping to the caller.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Reaper", "Start", "start check pool")
	}
	if r.cfg.Schedule == "" {
		return nil
	}

	c := cron.New(cron.WithLogger(cronLogger{r.logger}))
	if _, err := c.AddJob(r.cfg.Schedule, r.scheduledJob(ctx)); err != nil {
		_ = r.pool.Stop(r.cfg.DrainTimeout)
		return errors.WrapFatal(err, "Reaper", "Start", "parse schedule "+r.cfg.Schedule)
	}
	c.Start()
	r.cron = c

	r.logger.Info("Reaper scheduled", "schedule", r.cfg.Schedule, "cleanup_after", r.cfg.CleanupAfter)
	return nil
}

// Stop stops the scheduler, waits for a running sweep and drains the pool.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if err := r.pool.Stop(r.cfg.DrainTimeout); err != nil {
		r.logger.Warn("Check pool did not drain", "error", err)
	}
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

// scheduledJob runs a sweep per tick. A tick that fires while the previous
// sweep is still running is skipped.
func (r *Reaper) scheduledJob(ctx context.Context) cron.Job {
	return cron.NewChain(cron.SkipIfStillRunning(cronLogger{r.logger})).
		Then(cron.FuncJob(func() { r.runScheduled(ctx) }))
}

// cronLogger routes scheduler events to slog.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func (r *Reaper) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("Sweep failed", "error", err)
		return
	}
	if report.Stale > 0 {
		r.logger.Info("Sweep finished",
			"scanned", report.Scanned,
			"stale", report.Stale,
			"reaped", report.Reaped,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"terminated", report.Terminated)
	}
}

// Sweep runs one pass over the last-used entries.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	keys, err := r.kv.Keys(ctx, lastused.Suffix)
	if err != nil {
		return Report{}, errors.WrapTransient(err, "Reaper", "Sweep", "list last-used keys")
	}

	report := Report{Scanned: len(keys)}
	var stale []candidate
	for _, key := range keys {
		c, ok := r.staleCandidate(ctx, key)
		if ok {
			stale = append(stale, c)
		}
	}
	report.Stale = len(stale)
	if len(stale) == 0 {
		return report, nil
	}

	sw := &sweep{}
	for _, c := range stale {
		c.sweep = sw
		sw.wg.Add(1)
		if err := r.pool.Submit(ctx, c); err != nil {
			sw.wg.Done()
			sw.failed.Add(1)
			r.logger.Warn("Check not queued", "key", c.key, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		sw.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(r.cfg.DrainTimeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-timer.C:
		waitErr = worker.ErrDrainTimeout
	}

	report.Reaped = int(sw.reaped.Load())
	report.Skipped = int(sw.skipped.Load())
	report.Failed = int(sw.failed.Load())
	report.Terminated = int(sw.terminated.Load())
	if waitErr != nil {
		return report, errors.WrapTransient(waitErr, "Reaper", "Sweep", "wait for checks")
	}
	return report, nil
}

func (r *Reaper) staleCandidate(ctx context.Context, key string) (candidate, bool) {
	target, ok := lastused.ParseKey(key)
	if !ok {
		r.logger.Warn("Ignoring malformed last-used key", "key", key)
		return candidate{}, false
	}
	if !slices.Contains(r.cfg.Reapable, target.Environment) {
		r.logger.Debug("Environment is not reapable", "key", key)
		return candidate{}, false
	}
	entry, fresh, err := r.read(ctx, key)
	if err != nil {
		if !errors.Is(err, natsclient.ErrKVKeyNotFound) {
			r.logger.Warn("Cannot read last-used entry", "key", key, "error", err)
		}
		return candidate{}, false
	}
	if fresh {
		return candidate{}, false
	}
	return candidate{key: key, target: target, revision: entry.Revision}, true
}

// read fetches key and reports whether it was used within the cleanup window.
func (r *Reaper) read(ctx context.Context, key string) (*natsclient.KVEntry, bool, error) {
	entry, err := r.kv.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	at, err := lastused.Decode(entry.Value)
	if err != nil {
		return nil, false, err
	}
	return entry, r.now().Sub(at) <= r.cfg.CleanupAfter, nil
}

// unchanged re-reads the entry and reports whether it still holds the revision
// seen by the sweep and is still stale.
func (r *Reaper) unchanged(ctx context.Context, c candidate) (bool, error) {
	entry, fresh, err := r.read(ctx, c.key)
	if err != nil {
		if errors.Is(err, natsclient.ErrKVKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return entry.Revision == c.revision && !fresh, nil
}

func (r *Reaper) process(ctx context.Context, c candidate) error {
	defer c.sweep.wg.Done()
	return r.check(ctx, c, c.sweep)
}

func (r *Reaper) check(ctx context.Context, c candidate, sw *sweep) error {
	logger := r.logger.With("application", c.target.Application, "environment", c.target.Environment)

	ok, err := r.unchanged(ctx, c)
	if err != nil {
		sw.failed.Add(1)
		logger.Warn("Cannot re-read last-used entry", "error", err)
		return err
	}
	if !ok {
		sw.skipped.Add(1)
		logger.Debug("Entry refreshed since sweep started")
		return nil
	}

	names, err := r.envs.IdleEnvironments(ctx, c.target)
	if err != nil {
		sw.failed.Add(1)
		logger.Warn("Cannot list idle environments", "error", err)
		return err
	}

	// Listing can be slow; look again before anything is terminated.
	ok, err = r.unchanged(ctx, c)
	if err != nil {
		sw.failed.Add(1)
		return err
	}
	if !ok {
		sw.skipped.Add(1)
		logger.Info("Entry refreshed while listing, keeping environments")
		return nil
	}

	var failed bool
	for _, name := range names {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				failed = true
				break
			}
		}
		if err := r.envs.Terminate(ctx, c.target, name); err != nil {
			failed = true
			logger.Error("Terminate failed", "name", name, "error", err)
			continue
		}
		sw.terminated.Add(1)
		logger.Info("Terminated idle environment", "name", name)
	}
	if failed {
		sw.failed.Add(1)
		return errors.WrapTransient(errors.ErrExecutionFailed, "Reaper", "check", "terminate environments")
	}

	switch err := r.kv.Delete(ctx, c.key, c.revision); {
	case err == nil:
		sw.reaped.Add(1)
	case errors.Is(err, natsclient.ErrKVRevisionMismatch), errors.Is(err, natsclient.ErrKVKeyNotFound):
		sw.skipped.Add(1)
		logger.Info("Entry changed before delete, keeping it", "error", err)
	default:
		sw.failed.Add(1)
		logger.Warn("Delete last-used entry failed", "error", err)
		return err
	}
	return nil
}
