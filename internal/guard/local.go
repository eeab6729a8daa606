package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"StockLedger/internal/ledger"
)

// Local implements Guard with an in-process keyed semaphore for single-node
// deployments. The lock is released by the scope's release hook, so callers
// never unlock explicitly. Locks are not reentrant: acquiring the same key
// twice in one scope blocks until the timeout.
type Local struct {
	Timeout time.Duration
	Metrics Observer

	mu    sync.Mutex
	slots map[ledger.Key]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal(timeout time.Duration, obs Observer) *Local {
	return &Local{Timeout: timeout, Metrics: obs, slots: make(map[ledger.Key]*slot)}
}

func (l *Local) Acquire(ctx context.Context, scope Scope, key ledger.Key) error {
	s := l.ref(key)

	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	start := time.Now()
	select {
	case s.ch <- struct{}{}:
		l.observe(start, false)
		scope.OnRelease(func() {
			<-s.ch
			l.unref(key)
		})
		return nil
	case <-ctx.Done():
		l.unref(key)
		timedOut := ctx.Err() == context.DeadlineExceeded
		l.observe(start, timedOut)
		if timedOut {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, key, l.Timeout)
		}
		return ctx.Err()
	}
}

func (l *Local) observe(start time.Time, timedOut bool) {
	if l.Metrics != nil {
		l.Metrics.ObserveGuardWait("local", time.Since(start), timedOut)
	}
}

func (l *Local) ref(key ledger.Key) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(key ledger.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
