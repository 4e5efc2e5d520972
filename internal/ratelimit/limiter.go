// Package ratelimit bounds OCR fan-out per tier: a concurrency ceiling for
// every tier, plus a sliding-window completion budget for the restricted
// tier. Waits are cooperative; cancelling the context wakes them.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/semaphore"
)

// ClockTag labels limiter clock calls so tests can trap them.
const ClockTag = "ratelimit"

// Options configures a limiter.
type Options struct {
	Concurrency int
	Window      time.Duration
	Budget      int
	Paced       bool // false disables the window entirely (unrestricted tier)
}

// Limiter is a combined concurrency and pacing gate. One limiter serves
// one job; the window counters are not shared across jobs.
type Limiter struct {
	sem    *semaphore.Weighted
	clock  quartz.Clock
	paced  bool
	window time.Duration
	budget int

	mu          sync.Mutex
	reserved    int
	completions []time.Time

	// notify wakes one pacing waiter when a failed call frees its
	// window slot without leaving a timestamp behind.
	notify chan struct{}
}

// New builds a limiter. Zero or negative options fall back to a
// concurrency of 1 and, when paced, a 14-per-60s window.
func New(opts Options, clock quartz.Clock) *Limiter {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Budget <= 0 {
		opts.Budget = 14
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Limiter{
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
		clock:  clock,
		paced:  opts.Paced,
		window: opts.Window,
		budget: opts.Budget,
		notify: make(chan struct{}, 1),
	}
}

// Acquire blocks until a concurrency slot is free and, for paced limiters,
// until the completion window has room. The window slot is reserved before
// Acquire returns, so concurrent holders never overshoot the budget.
// Returns ctx.Err() on cancellation with the slot released.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if !l.paced {
		return nil
	}
	for {
		wait := l.reserveOrWait()
		if wait <= 0 {
			return nil
		}
		timer := l.clock.NewTimer(wait, ClockTag)
		select {
		case <-timer.C:
		case <-l.notify:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			l.sem.Release(1)
			return ctx.Err()
		}
	}
}

// Release returns the concurrency slot and settles the window slot the
// acquire reserved: a success becomes a timestamped completion, a
// failure frees the slot without consuming budget.
func (l *Limiter) Release(success bool) {
	if l.paced {
		l.mu.Lock()
		if l.reserved > 0 {
			l.reserved--
		}
		if success {
			l.completions = append(l.completions, l.clock.Now(ClockTag))
		}
		l.mu.Unlock()
		if !success {
			select {
			case l.notify <- struct{}{}:
			default:
			}
		}
	}
	l.sem.Release(1)
}

// reserveOrWait atomically takes a window slot when completions plus
// in-flight reservations leave room. Otherwise it returns how long
// until the oldest in-window completion ages out, or the full window
// when every slot is held by an in-flight call.
func (l *Limiter) reserveOrWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now(ClockTag)
	keep := l.completions[:0]
	for _, t := range l.completions {
		if now.Sub(t) < l.window {
			keep = append(keep, t)
		}
	}
	l.completions = keep

	if len(l.completions)+l.reserved < l.budget {
		l.reserved++
		return 0
	}
	if len(l.completions) == 0 {
		return l.window
	}
	return l.completions[0].Add(l.window).Sub(now)
}

// InWindow returns the current number of completions inside the window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now(ClockTag)
	n := 0
	for _, t := range l.completions {
		if now.Sub(t) < l.window {
			n++
		}
	}
	return n
}
