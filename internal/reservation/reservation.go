// Package reservation implements the reservation aggregate. State is derived
// only by applying events; command methods validate the current state and
// return the event to append without mutating the aggregate.
package reservation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"StockLedger/internal/event"
	"StockLedger/internal/ledger"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("reservation not found")
	ErrInvalidTransition = errors.New("invalid reservation transition")
	ErrInvalidLines      = errors.New("invalid reservation lines")
)

type Status string

const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusAllocated Status = "allocated"
	StatusPicking   Status = "picking"
	StatusConsumed  Status = "consumed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusConsumed || s == StatusCancelled
}

// Reservation is the folded state of one reservation stream.
type Reservation struct {
	ID          uuid.UUID
	WarehouseID string
	Status      Status
	Lines       []event.Line
	Allocations []event.Allocation
	Locks       []event.Lock
	PickToken   string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Exists reports whether a ReservationCreated event has been applied.
func (r *Reservation) Exists() bool {
	return r.Status != StatusNone
}

// Apply folds one event at the given stream version.
func (r *Reservation) Apply(p event.Payload, version int64) error {
	switch e := p.(type) {
	case *event.ReservationCreated:
		r.ID = e.ReservationID
		r.WarehouseID = e.WarehouseID
		r.Lines = append([]event.Line(nil), e.Lines...)
		r.Status = StatusPending
		r.CreatedAt = e.CreatedAt
		r.UpdatedAt = e.CreatedAt
	case *event.ReservationAllocated:
		r.ID = e.ReservationID
		r.WarehouseID = e.WarehouseID
		r.Allocations = append([]event.Allocation(nil), e.Allocations...)
		r.Status = StatusAllocated
		r.UpdatedAt = e.AllocatedAt
	case *event.PickingStarted:
		r.Locks = append([]event.Lock(nil), e.Locks...)
		r.PickToken = e.IdempotencyToken
		r.Status = StatusPicking
		r.UpdatedAt = e.StartedAt
	case *event.ReservationConsumed:
		r.Status = StatusConsumed
		r.UpdatedAt = e.ConsumedAt
	case *event.ReservationCancelled:
		r.Locks = nil
		r.Status = StatusCancelled
		r.UpdatedAt = e.CancelledAt
	default:
		return fmt.Errorf("reservation cannot apply %s", p.EventType())
	}
	r.Version = version
	return nil
}

// Load folds a whole stream. An empty stream yields ErrNotFound.
func Load(id uuid.UUID, payloads []event.Payload) (*Reservation, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r := &Reservation{}
	for i, p := range payloads {
		if err := r.Apply(p, int64(i+1)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Create validates lines and returns the creation event.
func Create(id uuid.UUID, warehouseID string, lines []event.Line, at time.Time) (*event.ReservationCreated, error) {
	if strings.TrimSpace(warehouseID) == "" {
		return nil, fmt.Errorf("%w: warehouse_id is required", ErrInvalidLines)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrInvalidLines)
	}
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l.SKU) == "" {
			return nil, fmt.Errorf("%w: sku is required", ErrInvalidLines)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInvalidLines, l.SKU)
		}
		if seen[l.SKU] {
			return nil, fmt.Errorf("%w: duplicate sku %s", ErrInvalidLines, l.SKU)
		}
		seen[l.SKU] = true
	}
	return &event.ReservationCreated{
		ReservationID: id,
		WarehouseID:   warehouseID,
		Lines:         append([]event.Line(nil), lines...),
		CreatedAt:     at,
	}, nil
}

// Allocate records a soft claim. Allocations must cover every line exactly.
func (r *Reservation) Allocate(allocs []event.Allocation, at time.Time) (*event.ReservationAllocated, error) {
	if r.Status != StatusPending {
		return nil, r.transitionError("allocate")
	}
	if err := r.checkCoverage(allocs); err != nil {
		return nil, err
	}
	return &event.ReservationAllocated{
		ReservationID: r.ID,
		WarehouseID:   r.WarehouseID,
		Allocations:   append([]event.Allocation(nil), allocs...),
		AllocatedAt:   at,
	}, nil
}

func (r *Reservation) checkCoverage(allocs []event.Allocation) error {
	if len(allocs) == 0 {
		return fmt.Errorf("%w: no allocations", ErrInvalidLines)
	}
	want := make(map[string]int64, len(r.Lines))
	for _, l := range r.Lines {
		want[l.SKU] = l.Quantity
	}
	got := make(map[string]int64, len(want))
	for _, a := range allocs {
		if _, ok := want[a.SKU]; !ok {
			return fmt.Errorf("%w: allocation for unrequested sku %s", ErrInvalidLines, a.SKU)
		}
		if strings.TrimSpace(a.Location) == "" || strings.ContainsRune(a.Location, '|') {
			return fmt.Errorf("%w: invalid location %q", ErrInvalidLines, a.Location)
		}
		if a.Quantity <= 0 {
			return fmt.Errorf("%w: allocation quantity must be positive", ErrInvalidLines)
		}
		got[a.SKU] += a.Quantity
	}
	for sku, qty := range want {
		if got[sku] != qty {
			return fmt.Errorf("%w: sku %s requested %d, allocated %d", ErrInvalidLines, sku, qty, got[sku])
		}
	}
	return nil
}

// LockPlan sums allocations per ledger key, sorted in guard order.
func (r *Reservation) LockPlan() []event.Lock {
	totals := make(map[ledger.Key]int64)
	for _, a := range r.Allocations {
		k := ledger.Key{WarehouseID: r.WarehouseID, Location: a.Location, SKU: a.SKU}
		totals[k] += a.Quantity
	}
	locks := make([]event.Lock, 0, len(totals))
	for k, q := range totals {
		locks = append(locks, event.Lock{Key: k, Quantity: q})
	}
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].Key.ViewKey() < locks[j].Key.ViewKey()
	})
	return locks
}

// StartPicking converts allocations into hard locks. A nil event with a nil
// error means the same token already started picking.
func (r *Reservation) StartPicking(token string, at time.Time) (*event.PickingStarted, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: idempotency token is required", ErrInvalidLines)
	}
	if r.Status == StatusPicking && r.PickToken == token {
		return nil, nil
	}
	if r.Status != StatusAllocated {
		return nil, r.transitionError("start picking")
	}
	return &event.PickingStarted{
		ReservationID:    r.ID,
		IdempotencyToken: token,
		Locks:            r.LockPlan(),
		StartedAt:        at,
	}, nil
}

func (r *Reservation) Consume(at time.Time) (*event.ReservationConsumed, error) {
	if r.Status != StatusPicking {
		return nil, r.transitionError("consume")
	}
	return &event.ReservationConsumed{
		ReservationID: r.ID,
		Consumed:      append([]event.Lock(nil), r.Locks...),
		ConsumedAt:    at,
	}, nil
}

// Cancel is valid from any non-terminal status. The event lists what it
// releases: hard locks when picking, soft allocations when allocated.
func (r *Reservation) Cancel(reason string, at time.Time) (*event.ReservationCancelled, error) {
	if !r.Exists() || r.Status.Terminal() {
		return nil, r.transitionError("cancel")
	}
	e := &event.ReservationCancelled{
		ReservationID:  r.ID,
		WarehouseID:    r.WarehouseID,
		Reason:         reason,
		PreviousStatus: string(r.Status),
		CancelledAt:    at,
	}
	switch r.Status {
	case StatusPicking:
		e.ReleasedLocks = append([]event.Lock(nil), r.Locks...)
	case StatusAllocated:
		e.ReleasedAllocations = append([]event.Allocation(nil), r.Allocations...)
	}
	return e, nil
}

func (r *Reservation) transitionError(op string) error {
	return fmt.Errorf("%w: cannot %s reservation %s in status %q", ErrInvalidTransition, op, r.ID, r.Status)
}
