package projection

import (
	"context"
	"fmt"

	"StockLedger/internal/event"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/ledger"
	"StockLedger/internal/reservation"

	"github.com/google/uuid"
)

// LocationBalance is a location_balance row, keyed by ledger.Key.ViewKey.
type LocationBalance struct {
	WarehouseID   string `json:"warehouse_id"`
	Location      string `json:"location"`
	SKU           string `json:"sku"`
	OnHand        int64  `json:"on_hand"`
	HardLocked    int64  `json:"hard_locked"`
	SoftAllocated int64  `json:"soft_allocated"`
	Movements     int64  `json:"movements"`
}

// Available is what a new allocation could still claim at this location.
func (b LocationBalance) Available() int64 {
	return b.OnHand - b.HardLocked - b.SoftAllocated
}

// AvailableStock is an available_stock row, keyed by "<warehouse>|<sku>".
type AvailableStock struct {
	WarehouseID   string `json:"warehouse_id"`
	SKU           string `json:"sku"`
	OnHand        int64  `json:"on_hand"`
	HardLocked    int64  `json:"hard_locked"`
	SoftAllocated int64  `json:"soft_allocated"`
	Available     int64  `json:"available"`
	Movements     int64  `json:"movements"`
}

// A stock row exists once its key has a ledger entry or a non-zero claim.
func keepStock(movements, hard, soft int64) bool {
	return movements > 0 || hard != 0 || soft != 0
}

func SKUKey(warehouseID, sku string) string {
	return warehouseID + "|" + sku
}

// stockDelta is the live handlers' view of one event's effect on a key.
type stockDelta struct {
	key                         ledger.Key
	onHand, hard, soft, entries int64
}

func stockDeltas(p event.Payload) []stockDelta {
	var out []stockDelta
	switch e := p.(type) {
	case *event.StockMovementRecorded:
		out = append(out, stockDelta{key: e.Key, onHand: e.Quantity, entries: 1})
	case *event.ReservationAllocated:
		for _, a := range e.Allocations {
			k := ledger.Key{WarehouseID: e.WarehouseID, Location: a.Location, SKU: a.SKU}
			out = append(out, stockDelta{key: k, soft: a.Quantity})
		}
	case *event.PickingStarted:
		for _, l := range e.Locks {
			out = append(out, stockDelta{key: l.Key, soft: -l.Quantity, hard: l.Quantity})
		}
	case *event.ReservationConsumed:
		for _, l := range e.Consumed {
			out = append(out, stockDelta{key: l.Key, hard: -l.Quantity})
		}
	case *event.ReservationCancelled:
		for _, l := range e.ReleasedLocks {
			out = append(out, stockDelta{key: l.Key, hard: -l.Quantity})
		}
		for _, a := range e.ReleasedAllocations {
			k := ledger.Key{WarehouseID: e.WarehouseID, Location: a.Location, SKU: a.SKU}
			out = append(out, stockDelta{key: k, soft: -a.Quantity})
		}
	}
	return out
}

func handlesStock(t event.Type) bool {
	switch t {
	case event.TypeStockMovementRecorded, event.TypeReservationAllocated, event.TypePickingStarted,
		event.TypeReservationConsumed, event.TypeReservationCancelled:
		return true
	}
	return false
}

// LocationBalanceProjection: on-hand, hard-locked and soft-allocated
// quantity per location and SKU.
type LocationBalanceProjection struct{}

func (LocationBalanceProjection) Name() string              { return ViewLocationBalance }
func (LocationBalanceProjection) Handles(t event.Type) bool { return handlesStock(t) }

func (LocationBalanceProjection) Apply(ctx context.Context, tx eventstore.ViewTx, evt eventstore.RecordedEvent, p event.Payload) error {
	for _, d := range stockDeltas(p) {
		err := updateRow(ctx, tx, d.key.ViewKey(), func(row *LocationBalance, _ bool) bool {
			row.WarehouseID, row.Location, row.SKU = d.key.WarehouseID, d.key.Location, d.key.SKU
			row.OnHand += d.onHand
			row.HardLocked += d.hard
			row.SoftAllocated += d.soft
			row.Movements += d.entries
			return keepStock(row.Movements, row.HardLocked, row.SoftAllocated)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (LocationBalanceProjection) NewReplay() Replay {
	f := newStockFold()
	return replayFunc{apply: f.apply, rows: func() ([]eventstore.ViewRow, error) {
		return encodeRows(f.locations())
	}}
}

// AvailableStockProjection aggregates location balances per warehouse and
// SKU.
type AvailableStockProjection struct{}

func (AvailableStockProjection) Name() string              { return ViewAvailableStock }
func (AvailableStockProjection) Handles(t event.Type) bool { return handlesStock(t) }

func (AvailableStockProjection) Apply(ctx context.Context, tx eventstore.ViewTx, evt eventstore.RecordedEvent, p event.Payload) error {
	for _, d := range stockDeltas(p) {
		err := updateRow(ctx, tx, SKUKey(d.key.WarehouseID, d.key.SKU), func(row *AvailableStock, _ bool) bool {
			row.WarehouseID, row.SKU = d.key.WarehouseID, d.key.SKU
			row.OnHand += d.onHand
			row.HardLocked += d.hard
			row.SoftAllocated += d.soft
			row.Movements += d.entries
			row.Available = row.OnHand - row.HardLocked - row.SoftAllocated
			return keepStock(row.Movements, row.HardLocked, row.SoftAllocated)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (AvailableStockProjection) NewReplay() Replay {
	f := newStockFold()
	return replayFunc{apply: f.apply, rows: func() ([]eventstore.ViewRow, error) {
		totals := make(map[string]AvailableStock)
		for _, b := range f.locations() {
			k := SKUKey(b.WarehouseID, b.SKU)
			a := totals[k]
			a.WarehouseID, a.SKU = b.WarehouseID, b.SKU
			a.OnHand += b.OnHand
			a.HardLocked += b.HardLocked
			a.SoftAllocated += b.SoftAllocated
			a.Movements += b.Movements
			a.Available = a.OnHand - a.HardLocked - a.SoftAllocated
			totals[k] = a
		}
		return encodeRows(totals)
	}}
}

// stockFold replays the ledger streams and reservation aggregates and
// derives balances from their final state.
type stockFold struct {
	streams      map[ledger.Key]*ledger.Stream
	reservations map[uuid.UUID]*reservation.Reservation
}

func newStockFold() *stockFold {
	return &stockFold{
		streams:      make(map[ledger.Key]*ledger.Stream),
		reservations: make(map[uuid.UUID]*reservation.Reservation),
	}
}

func (f *stockFold) apply(evt eventstore.RecordedEvent, p event.Payload) error {
	switch evt.StreamType {
	case event.StreamTypeStock:
		mv, ok := p.(*event.StockMovementRecorded)
		if !ok {
			return fmt.Errorf("unexpected %s in %s", evt.Type, evt.StreamID)
		}
		s, ok := f.streams[mv.Key]
		if !ok {
			s = ledger.NewStream(mv.Key)
			f.streams[mv.Key] = s
		}
		s.Apply(mv.Movement, evt.Version)
	case event.StreamTypeReservation:
		id, err := event.ParseReservationStream(evt.StreamID)
		if err != nil {
			return err
		}
		r, ok := f.reservations[id]
		if !ok {
			r = &reservation.Reservation{}
			f.reservations[id] = r
		}
		return r.Apply(p, evt.Version)
	}
	return nil
}

func (f *stockFold) locations() map[string]LocationBalance {
	rows := make(map[ledger.Key]*LocationBalance)
	get := func(k ledger.Key) *LocationBalance {
		b, ok := rows[k]
		if !ok {
			b = &LocationBalance{WarehouseID: k.WarehouseID, Location: k.Location, SKU: k.SKU}
			rows[k] = b
		}
		return b
	}
	for k, s := range f.streams {
		b := get(k)
		b.OnHand = s.Balance
		b.Movements = s.Entries
	}
	for _, r := range f.reservations {
		switch r.Status {
		case reservation.StatusAllocated:
			for _, a := range r.Allocations {
				get(ledger.Key{WarehouseID: r.WarehouseID, Location: a.Location, SKU: a.SKU}).SoftAllocated += a.Quantity
			}
		case reservation.StatusPicking:
			for _, l := range r.Locks {
				get(l.Key).HardLocked += l.Quantity
			}
		}
	}

	out := make(map[string]LocationBalance, len(rows))
	for k, b := range rows {
		if keepStock(b.Movements, b.HardLocked, b.SoftAllocated) {
			out[k.ViewKey()] = *b
		}
	}
	return out
}

type replayFunc struct {
	apply func(eventstore.RecordedEvent, event.Payload) error
	rows  func() ([]eventstore.ViewRow, error)
}

func (r replayFunc) Apply(evt eventstore.RecordedEvent, p event.Payload) error { return r.apply(evt, p) }
func (r replayFunc) Rows() ([]eventstore.ViewRow, error)                      { return r.rows() }
