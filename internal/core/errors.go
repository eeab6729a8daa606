package core

import (
	"context"
	"errors"
	"fmt"

	"StockLedger/internal/eventstore"
	"StockLedger/internal/guard"
	"StockLedger/internal/ledger"
	"StockLedger/internal/reservation"
)

// Kind is the failure taxonomy returned to callers.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindInvalidState      Kind = "InvalidState"
	KindInsufficientStock Kind = "InsufficientStock"
	KindVersionConflict   Kind = "VersionConflict"
	KindGuardTimeout      Kind = "GuardTimeout"
	KindInvalidArgument   Kind = "InvalidArgument"
	KindCanceled          Kind = "Canceled"
	KindInternal          Kind = "Internal"
)

// Error is a typed command failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err; errors not produced by the engine are
// Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsBusiness reports whether err is a rule failure the caller has to decide
// on, as opposed to an infrastructure failure.
func IsBusiness(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindInvalidState, KindInsufficientStock, KindInvalidArgument:
		return true
	}
	return false
}

// Retryable reports whether the engine's own retry loop may run err again.
func Retryable(err error) bool {
	return KindOf(err) == KindGuardTimeout || errors.Is(err, eventstore.ErrTransient)
}

// classify maps lower-layer sentinels onto the taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			e.Op = op
		}
		return e
	}

	kind := KindInternal
	switch {
	case errors.Is(err, reservation.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, reservation.ErrInvalidTransition):
		kind = KindInvalidState
	case errors.Is(err, reservation.ErrInvalidLines):
		kind = KindInvalidArgument
	case errors.Is(err, ledger.ErrInsufficientBalance):
		kind = KindInsufficientStock
	case errors.Is(err, eventstore.ErrVersionConflict):
		kind = KindVersionConflict
	case errors.Is(err, guard.ErrTimeout):
		kind = KindGuardTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCanceled
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
