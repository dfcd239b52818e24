// Package scheduler enforces the global concurrency cap and per-provider
// rate budgets, and plans batch submission times.
package scheduler

import (
	"context"
	"sync"
	"time"

	"shortform/internal/config"
)

// Governor owns the two admission controls jobs pass through: a slot
// semaphore capping concurrently running jobs, and rolling-window rate
// budgets keyed by provider rate key.
type Governor struct {
	slots chan struct{}
	clock func() time.Time

	mu      sync.Mutex
	budgets map[string]*budget
}

type budget struct {
	limit    int
	window   time.Duration
	charges  []time.Time
	reserved int
}

// GovernorOption customizes the governor.
type GovernorOption func(*Governor)

// WithClock overrides time measurement (useful for tests).
func WithClock(clock func() time.Time) GovernorOption {
	return func(g *Governor) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGovernor builds a governor with the given concurrency cap and budgets.
// A cap below one is treated as one.
func NewGovernor(maxConcurrent int, budgets map[string]config.Budget, opts ...GovernorOption) *Governor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	g := &Governor{
		slots:   make(chan struct{}, maxConcurrent),
		clock:   time.Now,
		budgets: make(map[string]*budget, len(budgets)),
	}
	for key, cfg := range budgets {
		if cfg.Limit <= 0 || cfg.WindowSeconds <= 0 {
			continue
		}
		g.budgets[key] = &budget{limit: cfg.Limit, window: cfg.Window()}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AcquireSlot blocks until a concurrency slot is free or the context ends.
func (g *Governor) AcquireSlot(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquireSlot grabs a slot without blocking.
func (g *Governor) TryAcquireSlot() bool {
	select {
	case g.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// ReleaseSlot returns a concurrency slot.
func (g *Governor) ReleaseSlot() {
	select {
	case <-g.slots:
	default:
	}
}

// ReserveBudget reserves one unit against key's budget ahead of a provider
// call. It returns (0, true) when the reservation is granted. When the
// budget is exhausted it returns (wait, false) with the time until a unit
// frees up; the caller defers the job instead of burning the attempt.
// Unknown or empty keys are unbudgeted and always granted.
func (g *Governor) ReserveBudget(key string) (time.Duration, bool) {
	if key == "" {
		return 0, true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.budgets[key]
	if !ok {
		return 0, true
	}
	now := g.clock()
	b.prune(now)

	if len(b.charges)+b.reserved < b.limit {
		b.reserved++
		return 0, true
	}
	if len(b.charges) == 0 {
		// Fully reserved by in-flight attempts. Re-check shortly.
		return time.Second, false
	}
	wait := b.charges[0].Add(b.window).Sub(now)
	if wait <= 0 {
		wait = time.Second
	}
	return wait, false
}

// CommitBudget converts a reservation into a charge. Called after any
// attempt that consumed provider quota, success or failure.
func (g *Governor) CommitBudget(key string) {
	if key == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.budgets[key]
	if !ok {
		return
	}
	if b.reserved > 0 {
		b.reserved--
	}
	now := g.clock()
	b.prune(now)
	b.charges = append(b.charges, now)
}

// ReleaseBudget drops a reservation without charging it. Called when the
// attempt never reached the provider.
func (g *Governor) ReleaseBudget(key string) {
	if key == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.budgets[key]; ok && b.reserved > 0 {
		b.reserved--
	}
}

// BudgetRemaining reports how many units of key's budget are currently
// unspent and unreserved. Unbudgeted keys report -1.
func (g *Governor) BudgetRemaining(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.budgets[key]
	if !ok {
		return -1
	}
	b.prune(g.clock())
	remaining := b.limit - len(b.charges) - b.reserved
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (b *budget) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	idx := 0
	for idx < len(b.charges) && !b.charges[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		b.charges = append(b.charges[:0], b.charges[idx:]...)
	}
}
