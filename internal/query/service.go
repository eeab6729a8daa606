package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"StockLedger/internal/core"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/ledger"
	"StockLedger/internal/observability"
	"StockLedger/internal/projection"
	"StockLedger/internal/reservation"

	"github.com/google/uuid"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Service answers read requests. Balance, availability and reservation
// status are read from the event store; listings come from the async views
// and report the checkpoint they reflect.
type Service struct {
	store       eventstore.Store
	views       eventstore.ViewStore
	rebuilder   *projection.Rebuilder
	projections []projection.Projection
	metrics     *observability.Metrics
}

func NewService(store eventstore.Store, views eventstore.ViewStore, rebuilder *projection.Rebuilder,
	projections []projection.Projection, metrics *observability.Metrics) *Service {
	return &Service{
		store:       store,
		views:       views,
		rebuilder:   rebuilder,
		projections: projections,
		metrics:     metrics,
	}
}

func (s *Service) observe(endpoint string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = string(core.KindOf(err))
	}
	s.metrics.ObserveQuery(endpoint, status, time.Since(start))
}

func invalid(op string, err error) error {
	return &core.Error{Kind: core.KindInvalidArgument, Op: op, Message: err.Error(), Err: err}
}

func internal(op string, err error) error {
	var e *core.Error
	if errors.As(err, &e) {
		return err
	}
	return &core.Error{Kind: core.KindInternal, Op: op, Err: err}
}

// GetBalance folds the ledger stream of one key.
func (s *Service) GetBalance(ctx context.Context, warehouseID, location, sku string) (resp *BalanceResponse, err error) {
	const op = "GetBalance"
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())

	key, err := ledger.NewKey(warehouseID, location, sku)
	if err != nil {
		return nil, invalid(op, err)
	}
	err = s.store.View(ctx, func(ctx context.Context, tx eventstore.ReadTx) error {
		st, err := core.ReadStock(ctx, tx, key)
		if err != nil {
			return err
		}
		resp = &BalanceResponse{
			WarehouseID: key.WarehouseID,
			Location:    key.Location,
			SKU:         key.SKU,
			Balance:     st.Balance,
			Version:     st.Version,
			LastMovedAt: st.LastMovedAt,
		}
		return nil
	})
	if err != nil {
		return nil, internal(op, err)
	}
	return resp, nil
}

// GetAvailable returns balance - hardLocked for one key, reading the stream
// and the hard-lock index in one consistent snapshot.
func (s *Service) GetAvailable(ctx context.Context, warehouseID, location, sku string) (resp *AvailableResponse, err error) {
	const op = "GetAvailable"
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())

	key, err := ledger.NewKey(warehouseID, location, sku)
	if err != nil {
		return nil, invalid(op, err)
	}
	err = s.store.View(ctx, func(ctx context.Context, tx eventstore.ReadTx) error {
		st, err := core.ReadStock(ctx, tx, key)
		if err != nil {
			return err
		}
		held, err := tx.HardLockedQuantity(ctx, key)
		if err != nil {
			return err
		}
		resp = &AvailableResponse{
			WarehouseID: key.WarehouseID,
			Location:    key.Location,
			SKU:         key.SKU,
			Balance:     st.Balance,
			HardLocked:  held,
			Available:   st.Balance - held,
			Version:     st.Version,
		}
		return nil
	})
	if err != nil {
		return nil, internal(op, err)
	}
	return resp, nil
}

func (s *Service) GetReservation(ctx context.Context, id uuid.UUID) (resp *ReservationResponse, err error) {
	const op = "GetReservation"
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())

	err = s.store.View(ctx, func(ctx context.Context, tx eventstore.ReadTx) error {
		r, err := core.LoadReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		locks, err := tx.HardLocksFor(ctx, id)
		if err != nil {
			return err
		}
		resp = &ReservationResponse{
			ReservationID: r.ID.String(),
			WarehouseID:   r.WarehouseID,
			Status:        string(r.Status),
			Lines:         r.Lines,
			Allocations:   r.Allocations,
			Version:       r.Version,
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
		}
		for _, l := range locks {
			resp.HardLocks = append(resp.HardLocks, LockResponse{
				WarehouseID: l.Key.WarehouseID,
				Location:    l.Key.Location,
				SKU:         l.Key.SKU,
				Quantity:    l.Quantity,
			})
		}
		return nil
	})
	if errors.Is(err, reservation.ErrNotFound) {
		return nil, &core.Error{Kind: core.KindNotFound, Op: op, Err: err}
	}
	if err != nil {
		return nil, internal(op, err)
	}
	return resp, nil
}

// StockFilter narrows stock listings; empty fields match everything.
type StockFilter struct {
	WarehouseID string
	Location    string
	SKU         string
}

func (f StockFilter) match(warehouseID, location, sku string) bool {
	return (f.WarehouseID == "" || f.WarehouseID == warehouseID) &&
		(f.Location == "" || f.Location == location) &&
		(f.SKU == "" || f.SKU == sku)
}

func (s *Service) ListLocationBalances(ctx context.Context, f StockFilter) (resp *LocationBalancesResponse, err error) {
	const op = "ListLocationBalances"
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())

	rows, cp, err := s.views.Live(ctx, projection.ViewLocationBalance)
	if err != nil {
		return nil, internal(op, err)
	}
	out, err := decodeRows(rows, func(b projection.LocationBalance) bool {
		return f.match(b.WarehouseID, b.Location, b.SKU)
	})
	if err != nil {
		return nil, internal(op, err)
	}
	return &LocationBalancesResponse{Rows: out, AsOfPosition: cp}, nil
}

func (s *Service) ListAvailableStock(ctx context.Context, f StockFilter) (resp *AvailableStockResponse, err error) {
	const op = "ListAvailableStock"
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())

	rows, cp, err := s.views.Live(ctx, projection.ViewAvailableStock)
	if err != nil {
		return nil, internal(op, err)
	}
	out, err := decodeRows(rows, func(a projection.AvailableStock) bool {
		return f.match(a.WarehouseID, "", a.SKU)
	})
	if err != nil {
		return nil, internal(op, err)
	}
	return &AvailableStockResponse{Rows: out, AsOfPosition: cp}, nil
}

type ReservationFilter struct {
	WarehouseID string
	Status      string
	Limit       int
}

func (s *Service) ListReservations(ctx context.Context, f ReservationFilter) (resp *ReservationSummariesResponse, err error) {
	const op = "ListReservations"
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())

	rows, cp, err := s.views.Live(ctx, projection.ViewReservationSummary)
	if err != nil {
		return nil, internal(op, err)
	}
	out, err := decodeRows(rows, func(r projection.ReservationSummary) bool {
		return (f.WarehouseID == "" || f.WarehouseID == r.WarehouseID) && (f.Status == "" || f.Status == r.Status)
	})
	if err != nil {
		return nil, internal(op, err)
	}
	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return &ReservationSummariesResponse{Rows: out, AsOfPosition: cp}, nil
}

type HistoryFilter struct {
	StockFilter
	// Before is a movement id cursor; only older movements are returned.
	Before int64
	Limit  int
}

// MovementHistory lists adjustments, dispatches and transfers, newest first.
func (s *Service) MovementHistory(ctx context.Context, f HistoryFilter) (resp *MovementHistoryResponse, err error) {
	const op = "MovementHistory"
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())

	rows, cp, err := s.views.Live(ctx, projection.ViewMovementHistory)
	if err != nil {
		return nil, internal(op, err)
	}
	all, err := decodeRows(rows, func(m projection.MovementRecord) bool {
		return f.match(m.WarehouseID, m.Location, m.SKU) && (f.Before == 0 || m.MovementID < f.Before)
	})
	if err != nil {
		return nil, internal(op, err)
	}

	limit := clampLimit(f.Limit)
	resp = &MovementHistoryResponse{AsOfPosition: cp}
	for i := len(all) - 1; i >= 0; i-- {
		if len(resp.Rows) == limit {
			resp.NextBefore = resp.Rows[len(resp.Rows)-1].MovementID
			break
		}
		resp.Rows = append(resp.Rows, all[i])
	}
	return resp, nil
}

func (s *Service) ProjectionLag(ctx context.Context) (resp *LagResponse, err error) {
	const op = "ProjectionLag"
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())

	head, err := s.store.HeadPosition(ctx)
	if err != nil {
		return nil, internal(op, err)
	}
	lag, err := projection.Lag(ctx, s.store, s.views, s.projections, s.metrics)
	if err != nil {
		return nil, internal(op, err)
	}
	return &LagResponse{Head: head, Lag: lag}, nil
}

func (s *Service) RebuildProjection(ctx context.Context, name string) (rep *projection.Report, err error) {
	const op = "RebuildProjection"
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())
	return s.runPipeline(ctx, op, name, s.rebuilder.Rebuild)
}

func (s *Service) VerifyProjection(ctx context.Context, name string) (rep *projection.Report, err error) {
	const op = "VerifyProjection"
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())
	return s.runPipeline(ctx, op, name, s.rebuilder.Verify)
}

func (s *Service) runPipeline(ctx context.Context, op, name string,
	run func(context.Context, string) (projection.Report, error)) (*projection.Report, error) {
	if _, err := projection.ByName(s.projections, name); err != nil {
		return nil, &core.Error{Kind: core.KindNotFound, Op: op, Message: err.Error(), Err: err}
	}
	rep, err := run(ctx, name)
	if err != nil {
		return nil, internal(op, err)
	}
	return &rep, nil
}

func decodeRows[T any](rows []eventstore.ViewRow, keep func(T) bool) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		var v T
		if err := json.Unmarshal(r.Payload, &v); err != nil {
			return nil, fmt.Errorf("decode row %s: %w", r.Key, err)
		}
		if keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}
