package projection

import (
	"sync"
	"time"
)

// GapTracker decides what to do when a handler sees a position gap.
//
// Global positions are allocated before commit, so a missing position is
// usually a transaction still in flight. The worker holds back at the gap;
// only after it has stayed open for the timeout is it treated as a rolled
// back transaction and skipped.
type GapTracker struct {
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	open map[string]openGap
}

type openGap struct {
	expected int64
	since    time.Time
}

func NewGapTracker(timeout time.Duration) *GapTracker {
	return &GapTracker{timeout: timeout, now: time.Now, open: make(map[string]openGap)}
}

// Check is called when handler expected position expected but the next
// committed event is at got (> expected). It reports whether the worker may
// skip past the gap.
func (g *GapTracker) Check(handler string, expected, got int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	gap, ok := g.open[handler]
	if !ok || gap.expected != expected {
		gap = openGap{expected: expected, since: g.now()}
		g.open[handler] = gap
	}
	if g.now().Sub(gap.since) < g.timeout {
		return false
	}
	delete(g.open, handler)
	return true
}

// Clear forgets any open gap for handler.
func (g *GapTracker) Clear(handler string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.open, handler)
}

// Open reports whether handler is currently held at a gap.
func (g *GapTracker) Open(handler string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.open[handler]
	return ok
}

// SetClock replaces the time source (tests).
func (g *GapTracker) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}
