package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"StockLedger/internal/ledger"

	"github.com/lib/pq"
)

// lock_not_available, raised when lock_timeout expires.
const pqLockNotAvailable = "55P03"

// Advisory implements Guard with transaction-scoped Postgres advisory locks.
// The lock lives on the scope's connection and is released by Postgres at
// transaction end.
type Advisory struct {
	Timeout time.Duration
	Metrics Observer
}

// Observer receives wait timings; *observability.Metrics satisfies it.
type Observer interface {
	ObserveGuardWait(mode string, d time.Duration, timedOut bool)
}

func NewAdvisory(timeout time.Duration, obs Observer) *Advisory {
	return &Advisory{Timeout: timeout, Metrics: obs}
}

func (a *Advisory) Acquire(ctx context.Context, scope Scope, key ledger.Key) error {
	sqlScope, ok := scope.(SQLScope)
	if !ok {
		return fmt.Errorf("advisory guard needs a SQL transaction scope, got %T", scope)
	}

	if a.Timeout > 0 {
		// is_local=true: the setting ends with the transaction.
		if _, err := sqlScope.ExecContext(ctx,
			`SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", a.Timeout.Milliseconds()),
		); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	start := time.Now()
	_, err := sqlScope.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key.LockID())
	timedOut := isLockTimeout(err)
	if a.Metrics != nil {
		a.Metrics.ObserveGuardWait("advisory", time.Since(start), timedOut)
	}
	if timedOut {
		return fmt.Errorf("%w: %s after %s", ErrTimeout, key, a.Timeout)
	}
	if err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return nil
}

func isLockTimeout(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqLockNotAvailable
}
