package natsclient

import (
	"sync"
	"time"
)

// breaker stops broker calls after repeated failures. Once open it rejects
// calls for a cooldown that doubles on every reopen up to a cap. The first call
// after the cooldown is let through: success closes the breaker, failure opens
// it again.
type breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	open      bool
	openedAt  time.Time
	base      time.Duration
	ceiling   time.Duration
	cooldown  time.Duration
	now       func() time.Time
}

func newBreaker(threshold int, base, ceiling time.Duration) *breaker {
	return &breaker{threshold: threshold, base: base, ceiling: ceiling, cooldown: base, now: time.Now}
}

// allow reports whether a call may go ahead.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open || b.now().Sub(b.openedAt) >= b.cooldown
}

// fail records a failed call. It returns the cooldown when the call opened the
// breaker and zero otherwise.
func (b *breaker) fail() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.open {
		// a half-open probe failed
		b.cooldown = min(b.cooldown*2, b.ceiling)
		b.openedAt = b.now()
		return b.cooldown
	}
	if b.failures < b.threshold {
		return 0
	}
	b.open = true
	b.openedAt = b.now()
	return b.cooldown
}

func (b *breaker) succeed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
	b.cooldown = b.base
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *breaker) failureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
