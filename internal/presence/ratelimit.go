package presence

import (
	"sync"
	"time"
)

// Limiter is a token bucket with most-recent-wins coalescing for a single
// downstream update channel. At most refill dispatches happen per rolling
// period; while starved, only the newest payload is kept and delivered
// once the period rolls over. Intermediate payloads are dropped, never
// queued.
type Limiter[T comparable] struct {
	refill   int
	period   time.Duration
	callback func(T)

	mu         sync.Mutex
	remaining  int
	lastRefill time.Time
	pending    *T

	now func() time.Time
}

func NewLimiter[T comparable](refill int, period time.Duration, callback func(T)) *Limiter[T] {
	return &Limiter[T]{
		refill:     refill,
		period:     period,
		callback:   callback,
		remaining:  refill,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Enqueue dispatches v through the callback if a token is available, and
// otherwise stores it as the single pending payload, replacing any prior
// one. The callback always runs on its own goroutine, never inline.
func (l *Limiter[T]) Enqueue(v T) {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastRefill) > l.period {
		l.remaining = l.refill
		l.lastRefill = now
	}

	if l.remaining > 0 {
		l.remaining--
		l.pending = nil
		l.mu.Unlock()
		go l.callback(v)
		return
	}

	// Starved: keep only this payload and schedule one retry for when
	// the period rolls over.
	pending := v
	l.pending = &pending
	delay := l.period - now.Sub(l.lastRefill)
	if delay < 0 {
		delay = 0
	}
	l.mu.Unlock()

	time.AfterFunc(delay, func() {
		l.mu.Lock()
		// A newer Enqueue may have replaced the pending payload and
		// scheduled its own retry; this timer is then a no-op.
		stale := l.pending == nil || *l.pending != pending
		l.mu.Unlock()
		if !stale {
			l.Enqueue(pending)
		}
	})
}
