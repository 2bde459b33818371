// Package retry repeats an operation with capped exponential backoff. The NATS
// client uses it for publishes and compare-and-swap writes, the Postgres store
// while the database comes up.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// permanent marks an error that ends the loop at once.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it without another attempt. A nil err
// stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Policy describes how often and how far apart attempts are made.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	Factor   float64
	// Jitter adds up to a quarter of each delay at random.
	Jitter bool
}

// Quick suits a single remote call that may hit a transient fault.
func Quick() Policy {
	return Policy{Attempts: 3, Base: 100 * time.Millisecond, Cap: 5 * time.Second, Factor: 2, Jitter: true}
}

// Startup waits for infrastructure that may still be booting alongside the
// worker.
func Startup() Policy {
	return Policy{Attempts: 20, Base: 250 * time.Millisecond, Cap: 10 * time.Second, Factor: 1.5, Jitter: true}
}

func (p Policy) validate() error {
	switch {
	case p.Base <= 0:
		return errors.New("retry: base delay must be positive")
	case p.Cap < p.Base:
		return errors.New("retry: cap below base delay")
	case p.Factor < 1:
		return errors.New("retry: factor below 1")
	}
	return nil
}

// Backoff returns the delay before attempt n+1, jitter excluded.
func (p Policy) Backoff(n int) time.Duration {
	d := float64(p.Base)
	for i := 1; i < n; i++ {
		d *= p.Factor
		if d >= float64(p.Cap) {
			return p.Cap
		}
	}
	return time.Duration(d)
}

func (p Policy) sleep(n int) time.Duration {
	d := p.Backoff(n)
	if p.Jitter && d >= 4 {
		d += rand.N(d / 4)
	}
	return d
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out or ctx ends.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if err := p.validate(); err != nil {
		return err
	}
	attempts := max(p.Attempts, 1)

	var err error
	for n := 1; ; n++ {
		if err = fn(); err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if n == attempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
		}

		timer := time.NewTimer(p.sleep(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("stopped after attempt %d: %w (last error: %v)", n, ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}
