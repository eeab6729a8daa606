package projection

import (
	"context"
	"time"

	"StockLedger/internal/event"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/reservation"

	"github.com/google/uuid"
)

// ReservationSummary is a reservation_summary row, keyed by reservation id.
type ReservationSummary struct {
	ReservationID string       `json:"reservation_id"`
	WarehouseID   string       `json:"warehouse_id"`
	Status        string       `json:"status"`
	Lines         []event.Line `json:"lines"`
	Requested     int64        `json:"requested_quantity"`
	Allocated     int64        `json:"allocated_quantity"`
	HardLocked    int64        `json:"hard_locked_quantity"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type ReservationSummaryProjection struct{}

func (ReservationSummaryProjection) Name() string { return ViewReservationSummary }

func (ReservationSummaryProjection) Handles(t event.Type) bool {
	switch t {
	case event.TypeReservationCreated, event.TypeReservationAllocated, event.TypePickingStarted,
		event.TypeReservationConsumed, event.TypeReservationCancelled:
		return true
	}
	return false
}

func (ReservationSummaryProjection) Apply(ctx context.Context, tx eventstore.ViewTx, evt eventstore.RecordedEvent, p event.Payload) error {
	id, err := event.ParseReservationStream(evt.StreamID)
	if err != nil {
		return err
	}
	return updateRow(ctx, tx, id.String(), func(row *ReservationSummary, _ bool) bool {
		switch e := p.(type) {
		case *event.ReservationCreated:
			row.ReservationID = e.ReservationID.String()
			row.WarehouseID = e.WarehouseID
			row.Status = string(reservation.StatusPending)
			row.Lines = e.Lines
			row.Requested = 0
			for _, l := range e.Lines {
				row.Requested += l.Quantity
			}
			row.CreatedAt, row.UpdatedAt = e.CreatedAt, e.CreatedAt
		case *event.ReservationAllocated:
			row.Status = string(reservation.StatusAllocated)
			row.Allocated = 0
			for _, a := range e.Allocations {
				row.Allocated += a.Quantity
			}
			row.UpdatedAt = e.AllocatedAt
		case *event.PickingStarted:
			row.Status = string(reservation.StatusPicking)
			row.HardLocked = 0
			for _, l := range e.Locks {
				row.HardLocked += l.Quantity
			}
			row.UpdatedAt = e.StartedAt
		case *event.ReservationConsumed:
			row.Status = string(reservation.StatusConsumed)
			row.HardLocked = 0
			row.UpdatedAt = e.ConsumedAt
		case *event.ReservationCancelled:
			row.Status = string(reservation.StatusCancelled)
			row.HardLocked = 0
			row.UpdatedAt = e.CancelledAt
		}
		row.Version = evt.Version
		return true
	})
}

// NewReplay folds each reservation stream through the aggregate and
// summarizes its final state.
func (ReservationSummaryProjection) NewReplay() Replay {
	reservations := make(map[uuid.UUID]*reservation.Reservation)
	apply := func(evt eventstore.RecordedEvent, p event.Payload) error {
		if evt.StreamType != event.StreamTypeReservation {
			return nil
		}
		id, err := event.ParseReservationStream(evt.StreamID)
		if err != nil {
			return err
		}
		r, ok := reservations[id]
		if !ok {
			r = &reservation.Reservation{}
			reservations[id] = r
		}
		return r.Apply(p, evt.Version)
	}
	rows := func() ([]eventstore.ViewRow, error) {
		out := make(map[string]ReservationSummary, len(reservations))
		for id, r := range reservations {
			s := ReservationSummary{
				ReservationID: id.String(),
				WarehouseID:   r.WarehouseID,
				Status:        string(r.Status),
				Lines:         r.Lines,
				Version:       r.Version,
				CreatedAt:     r.CreatedAt,
				UpdatedAt:     r.UpdatedAt,
			}
			for _, l := range r.Lines {
				s.Requested += l.Quantity
			}
			for _, a := range r.Allocations {
				s.Allocated += a.Quantity
			}
			if r.Status == reservation.StatusPicking {
				for _, l := range r.Locks {
					s.HardLocked += l.Quantity
				}
			}
			out[id.String()] = s
		}
		return encodeRows(out)
	}
	return replayFunc{apply: apply, rows: rows}
}
