package event

import (
	"time"

	"StockLedger/internal/ledger"

	"github.com/google/uuid"
)

// Line is one requested SKU quantity of a reservation.
type Line struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

// Allocation is a soft claim on a location for part of a line.
type Allocation struct {
	Location      string   `json:"location"`
	SKU           string   `json:"sku"`
	Quantity      int64    `json:"quantity"`
	HandlingUnits []string `json:"handling_units,omitempty"`
}

// Lock is a hard-locked quantity at one ledger key.
type Lock struct {
	Key      ledger.Key `json:"key"`
	Quantity int64      `json:"quantity"`
}

type ReservationCreated struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	WarehouseID   string    `json:"warehouse_id"`
	Lines         []Line    `json:"lines"`
	CreatedAt     time.Time `json:"created_at"`
}

func (e *ReservationCreated) EventType() Type { return TypeReservationCreated }

type ReservationAllocated struct {
	ReservationID uuid.UUID    `json:"reservation_id"`
	WarehouseID   string       `json:"warehouse_id"`
	Allocations   []Allocation `json:"allocations"`
	AllocatedAt   time.Time    `json:"allocated_at"`
}

func (e *ReservationAllocated) EventType() Type { return TypeReservationAllocated }

// PickingStarted converts the allocations into hard locks. Locks carries the
// per-key totals that the inline hard-lock index stores.
type PickingStarted struct {
	ReservationID    uuid.UUID `json:"reservation_id"`
	IdempotencyToken string    `json:"idempotency_token"`
	Locks            []Lock    `json:"locks"`
	StartedAt        time.Time `json:"started_at"`
}

func (e *PickingStarted) EventType() Type { return TypePickingStarted }

type ReservationConsumed struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	Consumed      []Lock    `json:"consumed"`
	ConsumedAt    time.Time `json:"consumed_at"`
}

func (e *ReservationConsumed) EventType() Type { return TypeReservationConsumed }

// ReservationCancelled records what the cancellation released so projections
// never have to look back at earlier events.
type ReservationCancelled struct {
	ReservationID       uuid.UUID    `json:"reservation_id"`
	WarehouseID         string       `json:"warehouse_id"`
	Reason              string       `json:"reason,omitempty"`
	PreviousStatus      string       `json:"previous_status"`
	ReleasedLocks       []Lock       `json:"released_locks,omitempty"`
	ReleasedAllocations []Allocation `json:"released_allocations,omitempty"`
	CancelledAt         time.Time    `json:"cancelled_at"`
}

func (e *ReservationCancelled) EventType() Type { return TypeReservationCancelled }
