package persistence

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"StockLedger/internal/eventstore"

	"github.com/lib/pq"
)

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
	pqQueryCanceled        = "57014"

	eventsStreamVersionKey = "events_stream_version_key"
)

// classify maps driver errors onto the store's sentinel errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			if pqErr.Constraint == eventsStreamVersionKey {
				return fmt.Errorf("%w: %s", eventstore.ErrVersionConflict, pqErr.Message)
			}
		case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable:
			return fmt.Errorf("%w: %v", eventstore.ErrTransient, err)
		}
		// class 08: connection exception
		if pqErr.Code.Class() == "08" {
			return fmt.Errorf("%w: %v", eventstore.ErrTransient, err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", eventstore.ErrTransient, err)
	}
	return err
}
