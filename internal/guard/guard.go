// Package guard serializes read-check-write sequences on a ledger key.
//
// A lock is always bound to a transaction scope and released when that scope
// ends (commit, rollback or connection loss). There is no Unlock call.
package guard

import (
	"context"
	"database/sql"
	"errors"

	"StockLedger/internal/ledger"
)

// ErrTimeout is returned when a lock could not be obtained within the bound.
var ErrTimeout = errors.New("guard: lock acquisition timed out")

// Scope is the transaction a lock belongs to.
type Scope interface {
	// OnRelease registers fn to run exactly once when the scope ends.
	OnRelease(fn func())
}

// SQLScope is a Scope that can run statements on its own connection.
type SQLScope interface {
	Scope
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Guard acquires the exclusive lock for key inside scope. It blocks until the
// lock is held, the context is done, or the implementation's timeout expires.
type Guard interface {
	Acquire(ctx context.Context, scope Scope, key ledger.Key) error
}
