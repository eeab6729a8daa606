package core

import (
	"context"

	"StockLedger/internal/event"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/ledger"
	"StockLedger/internal/reservation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CreateReservationCmd opens a pending reservation.
type CreateReservationCmd struct {
	Meta CommandMeta
	// ReservationID is optional. When nil it is derived from the command id,
	// or random when there is none.
	ReservationID uuid.UUID
	WarehouseID   string
	Lines         []event.Line
}

// AllocateReservationCmd soft-claims locations for a pending reservation.
type AllocateReservationCmd struct {
	Meta          CommandMeta
	ReservationID uuid.UUID
	// Allocations may be empty when an Allocator is configured.
	Allocations []event.Allocation
}

// StartPickingCmd turns allocations into hard locks.
type StartPickingCmd struct {
	Meta             CommandMeta
	ReservationID    uuid.UUID
	IdempotencyToken string
}

// ConsumeReservationCmd debits the picked stock and releases the locks.
type ConsumeReservationCmd struct {
	Meta          CommandMeta
	ReservationID uuid.UUID
}

// CancelReservationCmd ends a reservation from any non-terminal state.
type CancelReservationCmd struct {
	Meta          CommandMeta
	ReservationID uuid.UUID
	Reason        string
}

var reservationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:stockledger:reservation"))

// reservationIDFor derives the reservation id from the command id, so a
// redelivered create reports the reservation the first delivery made.
func reservationIDFor(commandID string) uuid.UUID {
	if commandID == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(reservationNamespace, []byte(commandID))
}

func withReservation(id uuid.UUID) func(zerolog.Context) zerolog.Context {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str("reservation_id", id.String())
	}
}

func (e *Engine) CreateReservation(ctx context.Context, cmd CreateReservationCmd) (Result, error) {
	const op = "CreateReservation"
	id := cmd.ReservationID
	if id == uuid.Nil {
		id = reservationIDFor(cmd.Meta.CommandID)
	}
	res := Result{ReservationID: id}

	dup, err := e.run(ctx, op, cmd.Meta, withReservation(id), func(ctx context.Context, tx eventstore.Tx, a *attempt) error {
		existing, err := LoadReservation(ctx, tx, id)
		if err != nil && !isNotFound(err) {
			return err
		}
		if existing != nil {
			return newError(KindInvalidState, op, "reservation %s already exists", id)
		}

		created, err := reservation.Create(id, cmd.WarehouseID, cmd.Lines, e.now())
		if err != nil {
			return err
		}
		if err := e.appendEvents(ctx, tx, a, event.ReservationStream(id), event.StreamTypeReservation, 0, created); err != nil {
			return err
		}
		res.Status = reservation.StatusPending
		res.Version = 1
		return nil
	})
	res.Duplicate = dup
	return res, err
}

// AllocateReservation records a soft claim. It never touches the ledger or
// the hard-lock index.
func (e *Engine) AllocateReservation(ctx context.Context, cmd AllocateReservationCmd) (Result, error) {
	const op = "AllocateReservation"
	res := Result{ReservationID: cmd.ReservationID}

	dup, err := e.run(ctx, op, cmd.Meta, withReservation(cmd.ReservationID), func(ctx context.Context, tx eventstore.Tx, a *attempt) error {
		r, err := LoadReservation(ctx, tx, cmd.ReservationID)
		if err != nil {
			return err
		}
		if r.Status != reservation.StatusPending {
			return newError(KindInvalidState, op, "reservation %s is %s", r.ID, r.Status)
		}

		allocs := cmd.Allocations
		if len(allocs) == 0 {
			if e.allocator == nil {
				return newError(KindInvalidArgument, op, "allocations are required")
			}
			if allocs, err = e.allocator.Allocate(ctx, r.WarehouseID, r.Lines); err != nil {
				return err
			}
		}

		allocated, err := r.Allocate(allocs, e.now())
		if err != nil {
			return err
		}
		if err := e.appendEvents(ctx, tx, a, event.ReservationStream(r.ID), event.StreamTypeReservation, r.Version, allocated); err != nil {
			return err
		}
		res.Status = reservation.StatusAllocated
		res.Version = r.Version + 1
		return nil
	})
	res.Duplicate = dup
	return res, err
}

// StartPicking converts a reservation's allocations into hard locks.
//
// For every key of the lock plan, in guard order: acquire the guard, fold
// the ledger stream, read the hard-lock index and require
// balance - hardLocked >= requested. Only when every key passes are
// PickingStarted and the index rows written, in the same transaction.
func (e *Engine) StartPicking(ctx context.Context, cmd StartPickingCmd) (Result, error) {
	const op = "StartPicking"
	res := Result{ReservationID: cmd.ReservationID}

	dup, err := e.run(ctx, op, cmd.Meta, withReservation(cmd.ReservationID), func(ctx context.Context, tx eventstore.Tx, a *attempt) error {
		// Step 1: load reservation
		r, err := LoadReservation(ctx, tx, cmd.ReservationID)
		if err != nil {
			return err
		}

		// Step 2: state check (same token while picking is a no-op)
		started, err := r.StartPicking(cmd.IdempotencyToken, e.now())
		if err != nil {
			if r.Status == reservation.StatusPicking && cmd.IdempotencyToken != "" {
				return newError(KindInvalidState, op, "reservation %s already picking under another token", r.ID)
			}
			return err
		}
		if started == nil {
			res.Status = r.Status
			res.Version = r.Version
			return nil
		}

		// Step 3: guards, sorted and de-duplicated
		keys := make([]ledger.Key, 0, len(started.Locks))
		for _, l := range started.Locks {
			keys = append(keys, l.Key)
		}
		if err := e.acquireAll(ctx, tx, keys); err != nil {
			return err
		}

		// Step 4: invariant check per key
		for _, l := range started.Locks {
			s, err := ReadStock(ctx, tx, l.Key)
			if err != nil {
				return err
			}
			held, err := tx.HardLockedQuantity(ctx, l.Key)
			if err != nil {
				return err
			}
			if err := s.CheckLock(l.Quantity, held); err != nil {
				return err
			}
		}

		// Step 5: append
		if err := e.appendEvents(ctx, tx, a, event.ReservationStream(r.ID), event.StreamTypeReservation, r.Version, started); err != nil {
			return err
		}

		// Step 6: inline hard-lock index
		rows := make([]eventstore.HardLock, 0, len(started.Locks))
		for _, l := range started.Locks {
			rows = append(rows, eventstore.HardLock{ReservationID: r.ID, Key: l.Key, Quantity: l.Quantity})
		}
		if err := tx.InsertHardLocks(ctx, rows); err != nil {
			return err
		}
		res.Status = reservation.StatusPicking
		res.Version = r.Version + 1
		return nil
	})
	res.Duplicate = dup
	return res, err
}

// ConsumeReservation records a pick_consumption movement per locked key,
// removes the reservation's hard locks and completes it.
func (e *Engine) ConsumeReservation(ctx context.Context, cmd ConsumeReservationCmd) (Result, error) {
	const op = "ConsumeReservation"
	res := Result{ReservationID: cmd.ReservationID}

	ids := make(map[ledger.Key]int64)
	dup, err := e.run(ctx, op, cmd.Meta, withReservation(cmd.ReservationID), func(ctx context.Context, tx eventstore.Tx, a *attempt) error {
		r, err := LoadReservation(ctx, tx, cmd.ReservationID)
		if err != nil {
			return err
		}
		consumed, err := r.Consume(e.now())
		if err != nil {
			return err
		}

		keys := make([]ledger.Key, 0, len(consumed.Consumed))
		for _, l := range consumed.Consumed {
			keys = append(keys, l.Key)
		}
		if err := e.acquireAll(ctx, tx, keys); err != nil {
			return err
		}

		// The reservation's own lock is part of held, so it is excluded
		// before checking the debit against the other locks.
		streams := make([]ledger.Stream, len(consumed.Consumed))
		for i, l := range consumed.Consumed {
			s, err := ReadStock(ctx, tx, l.Key)
			if err != nil {
				return err
			}
			held, err := tx.HardLockedQuantity(ctx, l.Key)
			if err != nil {
				return err
			}
			if err := s.CheckDebit(l.Quantity, held-l.Quantity); err != nil {
				return err
			}
			streams[i] = s
		}

		res.MovementIDs = res.MovementIDs[:0]
		for i, l := range consumed.Consumed {
			id, ok := ids[l.Key]
			if !ok {
				id = e.ids.Generate().Int64()
				ids[l.Key] = id
			}
			m := ledger.Movement{
				MovementID:    id,
				Key:           l.Key,
				Quantity:      -l.Quantity,
				Kind:          ledger.KindPickConsumption,
				Operator:      operator(cmd.Meta),
				ReservationID: r.ID.String(),
				OccurredAt:    consumed.ConsumedAt,
			}
			if err := e.appendMovements(ctx, tx, a, &streams[i], m); err != nil {
				return err
			}
			res.MovementIDs = append(res.MovementIDs, id)
		}

		if _, err := tx.DeleteHardLocks(ctx, r.ID); err != nil {
			return err
		}
		if err := e.appendEvents(ctx, tx, a, event.ReservationStream(r.ID), event.StreamTypeReservation, r.Version, consumed); err != nil {
			return err
		}
		res.Status = reservation.StatusConsumed
		res.Version = r.Version + 1
		return nil
	})
	res.Duplicate = dup
	return res, err
}

// CancelReservation is valid from any non-terminal status. Hard locks of a
// picking reservation are removed in the same transaction.
func (e *Engine) CancelReservation(ctx context.Context, cmd CancelReservationCmd) (Result, error) {
	const op = "CancelReservation"
	res := Result{ReservationID: cmd.ReservationID}

	dup, err := e.run(ctx, op, cmd.Meta, withReservation(cmd.ReservationID), func(ctx context.Context, tx eventstore.Tx, a *attempt) error {
		r, err := LoadReservation(ctx, tx, cmd.ReservationID)
		if err != nil {
			return err
		}
		cancelled, err := r.Cancel(cmd.Reason, e.now())
		if err != nil {
			return err
		}
		if r.Status == reservation.StatusPicking {
			if _, err := tx.DeleteHardLocks(ctx, r.ID); err != nil {
				return err
			}
		}
		if err := e.appendEvents(ctx, tx, a, event.ReservationStream(r.ID), event.StreamTypeReservation, r.Version, cancelled); err != nil {
			return err
		}
		res.Status = reservation.StatusCancelled
		res.Version = r.Version + 1
		return nil
	})
	res.Duplicate = dup
	return res, err
}

func operator(m CommandMeta) string {
	if m.Operator == "" {
		return "system"
	}
	return m.Operator
}
