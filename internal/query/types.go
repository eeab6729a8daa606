package query

import (
	"time"

	"StockLedger/internal/event"
	"StockLedger/internal/projection"
)

// BalanceResponse is the authoritative ledger balance of one key, folded
// from its stream.
type BalanceResponse struct {
	WarehouseID string    `json:"warehouse_id"`
	Location    string    `json:"location"`
	SKU         string    `json:"sku"`
	Balance     int64     `json:"balance"`
	Version     int64     `json:"version"`
	LastMovedAt time.Time `json:"last_moved_at,omitempty"`
}

// AvailableResponse reads the balance and the hard-lock index in one
// snapshot.
type AvailableResponse struct {
	WarehouseID string `json:"warehouse_id"`
	Location    string `json:"location"`
	SKU         string `json:"sku"`
	Balance     int64  `json:"balance"`
	HardLocked  int64  `json:"hard_locked"`
	Available   int64  `json:"available"`
	Version     int64  `json:"version"`
}

type LockResponse struct {
	WarehouseID string `json:"warehouse_id"`
	Location    string `json:"location"`
	SKU         string `json:"sku"`
	Quantity    int64  `json:"quantity"`
}

// ReservationResponse is the authoritative state of a reservation.
type ReservationResponse struct {
	ReservationID string             `json:"reservation_id"`
	WarehouseID   string             `json:"warehouse_id"`
	Status        string             `json:"status"`
	Lines         []event.Line       `json:"lines"`
	Allocations   []event.Allocation `json:"allocations,omitempty"`
	HardLocks     []LockResponse     `json:"hard_locks,omitempty"`
	Version       int64              `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// View listings carry the checkpoint they were read at.

type LocationBalancesResponse struct {
	Rows         []projection.LocationBalance `json:"rows"`
	AsOfPosition int64                        `json:"as_of_position"`
}

type AvailableStockResponse struct {
	Rows         []projection.AvailableStock `json:"rows"`
	AsOfPosition int64                       `json:"as_of_position"`
}

type ReservationSummariesResponse struct {
	Rows         []projection.ReservationSummary `json:"rows"`
	AsOfPosition int64                           `json:"as_of_position"`
}

type MovementHistoryResponse struct {
	Rows         []projection.MovementRecord `json:"rows"`
	AsOfPosition int64                       `json:"as_of_position"`
	// NextBefore is the cursor for the next (older) page, 0 when done.
	NextBefore int64 `json:"next_before,omitempty"`
}

type LagResponse struct {
	Head int64            `json:"head"`
	Lag  map[string]int64 `json:"lag"`
}
