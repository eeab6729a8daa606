package core

import (
	"context"
	"strings"

	"StockLedger/internal/eventstore"
	"StockLedger/internal/ledger"

	"github.com/rs/zerolog"
)

// Command-level movement kinds. A transfer expands into a
// transfer_out/transfer_in pair sharing one transfer id.
const (
	MovementReceipt    = "receipt"
	MovementDispatch   = "dispatch"
	MovementAdjustment = "adjustment"
	MovementTransfer   = "transfer"
)

// RecordStockMovementCmd appends one movement, or a transfer pair.
type RecordStockMovementCmd struct {
	Meta         CommandMeta
	WarehouseID  string
	SKU          string
	Quantity     int64
	FromLocation string
	ToLocation   string
	Kind         string
}

// leg is one stream append of a movement command.
type leg struct {
	key ledger.Key
	qty int64
	kind ledger.MovementKind
}

// plan validates the command shape and returns its legs, source first.
func (c RecordStockMovementCmd) plan() ([]leg, error) {
	const op = "RecordStockMovement"
	key := func(loc string) (ledger.Key, error) {
		k, err := ledger.NewKey(c.WarehouseID, loc, c.SKU)
		if err != nil {
			return ledger.Key{}, &Error{Kind: KindInvalidArgument, Op: op, Message: err.Error(), Err: err}
		}
		return k, nil
	}

	switch strings.ToLower(c.Kind) {
	case MovementReceipt:
		if c.Quantity <= 0 {
			return nil, newError(KindInvalidArgument, op, "receipt quantity must be positive")
		}
		if c.FromLocation != "" {
			return nil, newError(KindInvalidArgument, op, "receipt takes only a destination location")
		}
		k, err := key(c.ToLocation)
		if err != nil {
			return nil, err
		}
		return []leg{{key: k, qty: c.Quantity, kind: ledger.KindReceipt}}, nil

	case MovementDispatch:
		if c.Quantity <= 0 {
			return nil, newError(KindInvalidArgument, op, "dispatch quantity must be positive")
		}
		if c.ToLocation != "" {
			return nil, newError(KindInvalidArgument, op, "dispatch takes only a source location")
		}
		k, err := key(c.FromLocation)
		if err != nil {
			return nil, err
		}
		return []leg{{key: k, qty: -c.Quantity, kind: ledger.KindDispatch}}, nil

	case MovementAdjustment:
		if c.Quantity == 0 {
			return nil, newError(KindInvalidArgument, op, "adjustment quantity must be non-zero")
		}
		if (c.FromLocation == "") == (c.ToLocation == "") {
			return nil, newError(KindInvalidArgument, op, "adjustment takes exactly one location")
		}
		loc := c.ToLocation
		if loc == "" {
			loc = c.FromLocation
		}
		k, err := key(loc)
		if err != nil {
			return nil, err
		}
		return []leg{{key: k, qty: c.Quantity, kind: ledger.KindAdjustment}}, nil

	case MovementTransfer:
		if c.Quantity <= 0 {
			return nil, newError(KindInvalidArgument, op, "transfer quantity must be positive")
		}
		if c.FromLocation == c.ToLocation {
			return nil, newError(KindInvalidArgument, op, "transfer source and destination must differ")
		}
		from, err := key(c.FromLocation)
		if err != nil {
			return nil, err
		}
		to, err := key(c.ToLocation)
		if err != nil {
			return nil, err
		}
		return []leg{
			{key: from, qty: -c.Quantity, kind: ledger.KindTransferOut},
			{key: to, qty: c.Quantity, kind: ledger.KindTransferIn},
		}, nil

	case string(ledger.KindPickConsumption):
		return nil, newError(KindInvalidArgument, op, "pick_consumption is recorded by ConsumeReservation")
	default:
		return nil, newError(KindInvalidArgument, op, "unsupported movement kind %q", c.Kind)
	}
}

// RecordStockMovement appends a movement to the affected ledger streams.
// Debiting legs take the guard for their key and must leave the balance at
// or above the key's hard locks. Credits rely on the stream version check.
func (e *Engine) RecordStockMovement(ctx context.Context, cmd RecordStockMovementCmd) (Result, error) {
	const op = "RecordStockMovement"
	var res Result

	legs, err := cmd.plan()
	if err != nil {
		e.metrics.ObserveCommand(op, string(KindInvalidArgument), 0)
		return res, err
	}

	// ids are fixed before the first attempt so retries reuse them
	movementIDs := make([]int64, len(legs))
	for i := range legs {
		movementIDs[i] = e.ids.Generate().Int64()
	}
	var transferID int64
	if len(legs) == 2 {
		transferID = e.ids.Generate().Int64()
	}

	logCtx := func(c zerolog.Context) zerolog.Context {
		return c.Str("key", legs[0].key.String()).Str("kind", cmd.Kind).Int64("quantity", cmd.Quantity)
	}
	dup, err := e.run(ctx, op, cmd.Meta, logCtx, func(ctx context.Context, tx eventstore.Tx, a *attempt) error {
		for _, l := range legs {
			if l.qty < 0 {
				if err := e.guard.Acquire(ctx, tx, l.key); err != nil {
					return err
				}
			}
		}

		at := e.now()
		streams := make([]ledger.Stream, len(legs))
		movements := make([]ledger.Movement, len(legs))
		for i, l := range legs {
			s, err := ReadStock(ctx, tx, l.key)
			if err != nil {
				return err
			}
			if l.qty < 0 {
				held, err := tx.HardLockedQuantity(ctx, l.key)
				if err != nil {
					return err
				}
				if err := s.CheckDebit(-l.qty, held); err != nil {
					return err
				}
			}
			streams[i] = s
			movements[i] = ledger.Movement{
				MovementID: movementIDs[i],
				Key:        l.key,
				Quantity:   l.qty,
				Kind:       l.kind,
				Operator:   operator(cmd.Meta),
				TransferID: transferID,
				OccurredAt: at,
			}
		}
		if transferID != 0 {
			if err := ledger.ValidateTransferPair(movements[0], movements[1]); err != nil {
				return &Error{Kind: KindInvalidArgument, Message: err.Error(), Err: err}
			}
		}

		for i := range legs {
			if err := e.appendMovements(ctx, tx, a, &streams[i], movements[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.MovementIDs = movementIDs
	res.TransferID = transferID
	res.Duplicate = dup
	return res, nil
}
