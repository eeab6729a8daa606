package persistence_test

import (
	"context"
	"testing"
	"time"

	"StockLedger/internal/core"
	"StockLedger/internal/event"
	"StockLedger/internal/guard"
	"StockLedger/internal/persistence"
	"StockLedger/internal/projection"
	"StockLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func mustPostgresEngine(t *testing.T) (*core.Engine, *persistence.PostgresStore, *persistence.PostgresViews) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	store := persistence.NewPostgresStore(db, zerolog.Nop())
	views := persistence.NewPostgresViews(db, zerolog.Nop())
	cfg := core.DefaultConfig()
	cfg.SnapshotInterval = 3
	engine, err := core.NewEngine(store, guard.NewAdvisory(2*time.Second, nil), cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, store, views
}

func mustAllocated(t *testing.T, e *core.Engine, loc string, qty int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	res, err := e.CreateReservation(ctx, core.CreateReservationCmd{
		WarehouseID: "WH1", Lines: []event.Line{{SKU: "SKU-1", Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}
	_, err = e.AllocateReservation(ctx, core.AllocateReservationCmd{
		ReservationID: res.ReservationID,
		Allocations:   []event.Allocation{{Location: loc, SKU: "SKU-1", Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("AllocateReservation: %v", err)
	}
	return res.ReservationID
}

func TestPostgres_OverlappingStartPicking(t *testing.T) {
	engine, _, _ := mustPostgresEngine(t)
	ctx := context.Background()

	if _, err := engine.RecordStockMovement(ctx, core.RecordStockMovementCmd{
		WarehouseID: "WH1", SKU: "SKU-1", Quantity: 5, ToLocation: "A-01", Kind: core.MovementReceipt,
	}); err != nil {
		t.Fatalf("receipt: %v", err)
	}
	r1 := mustAllocated(t, engine, "A-01", 3)
	r2 := mustAllocated(t, engine, "A-01", 3)

	results := make([]error, 2)
	var g errgroup.Group
	for i, id := range []uuid.UUID{r1, r2} {
		i, id := i, id
		g.Go(func() error {
			_, results[i] = engine.StartPicking(ctx, core.StartPickingCmd{ReservationID: id, IdempotencyToken: "t"})
			return nil
		})
	}
	_ = g.Wait()

	won := 0
	for _, err := range results {
		switch {
		case err == nil:
			won++
		case core.KindOf(err) != core.KindInsufficientStock:
			t.Errorf("loser should see InsufficientStock, got %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestPostgres_ProjectionsVerify(t *testing.T) {
	engine, store, views := mustPostgresEngine(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := engine.RecordStockMovement(ctx, core.RecordStockMovementCmd{
			WarehouseID: "WH1", SKU: "SKU-1", Quantity: 2, ToLocation: "A-01", Kind: core.MovementReceipt,
		}); err != nil {
			t.Fatalf("receipt: %v", err)
		}
	}
	if _, err := engine.RecordStockMovement(ctx, core.RecordStockMovementCmd{
		WarehouseID: "WH1", SKU: "SKU-1", Quantity: 3, FromLocation: "A-01", ToLocation: "B-01", Kind: core.MovementTransfer,
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	ps := projection.All()
	worker := projection.NewWorker(store, views, ps, projection.DefaultWorkerConfig(), nil, zerolog.Nop())
	for {
		n, err := worker.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if n == 0 {
			break
		}
	}

	rebuilder := projection.NewRebuilder(store, views, ps, 2, nil, zerolog.Nop())
	for _, p := range ps {
		rep, err := rebuilder.Verify(ctx, p.Name())
		if err != nil {
			t.Fatalf("verify %s: %v", p.Name(), err)
		}
		if !rep.Match {
			t.Errorf("%s: live %s != replay %s", p.Name(), rep.LiveChecksum, rep.ShadowChecksum)
		}
	}
}
