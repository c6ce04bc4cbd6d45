package vfs

import (
	"sync/atomic"
	"time"
)

const (
	DefaultInitialTimeout = 4 * time.Millisecond
	DefaultFloorTimeout   = 2 * time.Millisecond
	DefaultCeilingTimeout = 20 * time.Millisecond

	timeoutShrinkStep = time.Millisecond
	timeoutGrowStep   = 2 * time.Millisecond
)

// TimeoutOptions bounds the adaptive wait budget. Zero values select defaults.
type TimeoutOptions struct {
	Initial time.Duration
	Floor   time.Duration
	Ceiling time.Duration
}

// AdaptiveTimeout is the per-block wait budget shared by every read. Fast
// arrivals shrink it, timeouts grow it. Updates are lock-free.
type AdaptiveTimeout struct {
	cur     atomic.Int64
	floor   int64
	ceiling int64
}

// NewAdaptiveTimeout creates a timeout starting at opts.Initial, clamped to
// [opts.Floor, opts.Ceiling].
func NewAdaptiveTimeout(opts TimeoutOptions) *AdaptiveTimeout {
	if opts.Initial <= 0 {
		opts.Initial = DefaultInitialTimeout
	}
	if opts.Floor <= 0 {
		opts.Floor = DefaultFloorTimeout
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeilingTimeout
	}
	if opts.Ceiling < opts.Floor {
		opts.Ceiling = opts.Floor
	}

	t := &AdaptiveTimeout{
		floor:   int64(opts.Floor),
		ceiling: int64(opts.Ceiling),
	}
	t.cur.Store(t.clamp(int64(opts.Initial)))
	return t
}

// Current returns the wait budget.
func (t *AdaptiveTimeout) Current() time.Duration {
	return time.Duration(t.cur.Load())
}

// ObserveArrival records a successful wait of elapsed against budget. A block
// that arrived within half the budget shrinks the timeout by one step.
func (t *AdaptiveTimeout) ObserveArrival(elapsed, budget time.Duration) {
	if elapsed >= budget/2 {
		return
	}
	t.add(-int64(timeoutShrinkStep))
}

// ObserveTimeout records a wait that expired.
func (t *AdaptiveTimeout) ObserveTimeout() {
	t.add(int64(timeoutGrowStep))
}

func (t *AdaptiveTimeout) add(delta int64) {
	for {
		old := t.cur.Load()
		next := t.clamp(old + delta)
		if next == old || t.cur.CompareAndSwap(old, next) {
			return
		}
	}
}

func (t *AdaptiveTimeout) clamp(v int64) int64 {
	return min(max(v, t.floor), t.ceiling)
}
