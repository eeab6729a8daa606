package query_test

import (
	"context"
	"testing"
	"time"

	"StockLedger/internal/core"
	"StockLedger/internal/event"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/guard"
	"StockLedger/internal/projection"
	"StockLedger/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fixture struct {
	engine *core.Engine
	worker *projection.Worker
	svc    *query.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := eventstore.NewMemory()
	views := eventstore.NewMemoryViews()
	logger := zerolog.Nop()
	e, err := core.NewEngine(store, guard.NewLocal(time.Second, nil), core.DefaultConfig(), nil, logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ps := projection.All()
	return &fixture{
		engine: e,
		worker: projection.NewWorker(store, views, ps, projection.DefaultWorkerConfig(), nil, logger),
		svc:    query.NewService(store, views, projection.NewRebuilder(store, views, ps, 100, nil, logger), ps, nil),
	}
}

func (f *fixture) catchUp(t *testing.T) {
	t.Helper()
	for {
		n, err := f.worker.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if n == 0 {
			return
		}
	}
}

func mustMove(t *testing.T, e *core.Engine, kind, from, to string, qty int64) {
	t.Helper()
	_, err := e.RecordStockMovement(context.Background(), core.RecordStockMovementCmd{
		WarehouseID: "WH1", SKU: "SKU-1", Quantity: qty, FromLocation: from, ToLocation: to, Kind: kind,
	})
	if err != nil {
		t.Fatalf("%s: %v", kind, err)
	}
}

func mustPicking(t *testing.T, e *core.Engine, loc string, qty int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	res, err := e.CreateReservation(ctx, core.CreateReservationCmd{
		WarehouseID: "WH1", Lines: []event.Line{{SKU: "SKU-1", Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}
	if _, err := e.AllocateReservation(ctx, core.AllocateReservationCmd{
		ReservationID: res.ReservationID,
		Allocations:   []event.Allocation{{Location: loc, SKU: "SKU-1", Quantity: qty}},
	}); err != nil {
		t.Fatalf("AllocateReservation: %v", err)
	}
	if _, err := e.StartPicking(ctx, core.StartPickingCmd{ReservationID: res.ReservationID, IdempotencyToken: "t"}); err != nil {
		t.Fatalf("StartPicking: %v", err)
	}
	return res.ReservationID
}

func TestGetAvailable_SubtractsHardLocks(t *testing.T) {
	f := newFixture(t)
	mustMove(t, f.engine, core.MovementReceipt, "", "A-01", 10)
	mustPicking(t, f.engine, "A-01", 4)

	got, err := f.svc.GetAvailable(context.Background(), "WH1", "A-01", "SKU-1")
	if err != nil {
		t.Fatalf("GetAvailable: %v", err)
	}
	if got.Balance != 10 || got.HardLocked != 4 || got.Available != 6 {
		t.Errorf("unexpected %+v", got)
	}

	bal, err := f.svc.GetBalance(context.Background(), "WH1", "A-01", "SKU-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Balance != 10 || bal.Version != 1 {
		t.Errorf("unexpected %+v", bal)
	}
}

func TestGetBalance_InvalidKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetBalance(context.Background(), "WH1", "", "SKU-1")
	if core.KindOf(err) != core.KindInvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestGetReservation(t *testing.T) {
	f := newFixture(t)
	mustMove(t, f.engine, core.MovementReceipt, "", "A-01", 10)
	id := mustPicking(t, f.engine, "A-01", 4)

	got, err := f.svc.GetReservation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if got.Status != "picking" || len(got.HardLocks) != 1 || got.HardLocks[0].Quantity != 4 {
		t.Errorf("unexpected %+v", got)
	}

	_, err = f.svc.GetReservation(context.Background(), uuid.New())
	if core.KindOf(err) != core.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMovementHistory_NewestFirstWithCursor(t *testing.T) {
	f := newFixture(t)
	mustMove(t, f.engine, core.MovementReceipt, "", "A-01", 10)
	for i := 0; i < 5; i++ {
		mustMove(t, f.engine, core.MovementDispatch, "A-01", "", 1)
	}
	f.catchUp(t)
	ctx := context.Background()

	page, err := f.svc.MovementHistory(ctx, query.HistoryFilter{Limit: 3})
	if err != nil {
		t.Fatalf("MovementHistory: %v", err)
	}
	if len(page.Rows) != 3 || page.NextBefore == 0 {
		t.Fatalf("expected a full first page with a cursor, got %d rows next=%d", len(page.Rows), page.NextBefore)
	}
	if page.Rows[0].MovementID < page.Rows[1].MovementID {
		t.Error("expected newest first")
	}

	rest, err := f.svc.MovementHistory(ctx, query.HistoryFilter{Limit: 3, Before: page.NextBefore})
	if err != nil {
		t.Fatalf("MovementHistory: %v", err)
	}
	if len(rest.Rows) != 2 || rest.NextBefore != 0 {
		t.Errorf("expected last 2 rows, got %d next=%d", len(rest.Rows), rest.NextBefore)
	}
}

func TestListings_AndLag(t *testing.T) {
	f := newFixture(t)
	mustMove(t, f.engine, core.MovementReceipt, "", "A-01", 10)
	mustMove(t, f.engine, core.MovementReceipt, "", "B-01", 3)
	ctx := context.Background()

	lag, err := f.svc.ProjectionLag(ctx)
	if err != nil {
		t.Fatalf("ProjectionLag: %v", err)
	}
	if lag.Head != 2 || lag.Lag[projection.ViewLocationBalance] != 2 {
		t.Errorf("expected lag 2 before catch-up, got %+v", lag)
	}

	f.catchUp(t)
	balances, err := f.svc.ListLocationBalances(ctx, query.StockFilter{WarehouseID: "WH1", Location: "B-01"})
	if err != nil {
		t.Fatalf("ListLocationBalances: %v", err)
	}
	if len(balances.Rows) != 1 || balances.Rows[0].OnHand != 3 || balances.AsOfPosition != 2 {
		t.Errorf("unexpected %+v", balances)
	}

	stock, err := f.svc.ListAvailableStock(ctx, query.StockFilter{SKU: "SKU-1"})
	if err != nil {
		t.Fatalf("ListAvailableStock: %v", err)
	}
	if len(stock.Rows) != 1 || stock.Rows[0].Available != 13 {
		t.Errorf("unexpected %+v", stock)
	}
}

func TestVerifyProjection_UnknownName(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.VerifyProjection(context.Background(), "nope")
	if core.KindOf(err) != core.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
