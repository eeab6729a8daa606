package projection_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"StockLedger/internal/core"
	"StockLedger/internal/event"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/guard"
	"StockLedger/internal/ledger"
	"StockLedger/internal/observability"
	"StockLedger/internal/projection"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const wh = "WH1"

type fixture struct {
	engine   *core.Engine
	store    *eventstore.Memory
	views    *eventstore.MemoryViews
	worker   *projection.Worker
	rebuild  *projection.Rebuilder
	projects []projection.Projection
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
	cfg := projection.DefaultWorkerConfig()
	cfg.BatchSize = 4 // force several batches
	return &fixture{
		engine:   e,
		store:    store,
		views:    views,
		worker:   projection.NewWorker(store, views, ps, cfg, nil, logger),
		rebuild:  projection.NewRebuilder(store, views, ps, 3, observability.NewMetrics(nil), logger),
		projects: ps,
	}
}

func (f *fixture) catchUp(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		n, err := f.worker.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if n == 0 {
			return
		}
	}
	t.Fatal("worker did not converge")
}

func (f *fixture) move(t *testing.T, kind, from, to string, qty int64) {
	t.Helper()
	_, err := f.engine.RecordStockMovement(context.Background(), core.RecordStockMovementCmd{
		WarehouseID: wh, SKU: "SKU-1", Quantity: qty, FromLocation: from, ToLocation: to, Kind: kind,
	})
	if err != nil {
		t.Fatalf("%s: %v", kind, err)
	}
}

func (f *fixture) reserve(t *testing.T, loc string, qty int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	res, err := f.engine.CreateReservation(ctx, core.CreateReservationCmd{
		WarehouseID: wh, Lines: []event.Line{{SKU: "SKU-1", Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("CreateReservation: %v", err)
	}
	if loc == "" {
		return res.ReservationID
	}
	_, err = f.engine.AllocateReservation(ctx, core.AllocateReservationCmd{
		ReservationID: res.ReservationID,
		Allocations:   []event.Allocation{{Location: loc, SKU: "SKU-1", Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("AllocateReservation: %v", err)
	}
	return res.ReservationID
}

// scenario exercises every event type and every view.
func (f *fixture) scenario(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.move(t, core.MovementReceipt, "", "A-01", 10)
	f.move(t, core.MovementReceipt, "", "B-01", 5)
	f.move(t, core.MovementTransfer, "A-01", "B-01", 2)
	f.move(t, core.MovementDispatch, "B-01", "", 1)
	f.move(t, core.MovementAdjustment, "A-01", "", -1)

	r1 := f.reserve(t, "A-01", 3)
	if _, err := f.engine.StartPicking(ctx, core.StartPickingCmd{ReservationID: r1, IdempotencyToken: "t1"}); err != nil {
		t.Fatalf("StartPicking r1: %v", err)
	}
	if _, err := f.engine.ConsumeReservation(ctx, core.ConsumeReservationCmd{ReservationID: r1}); err != nil {
		t.Fatalf("Consume r1: %v", err)
	}

	r2 := f.reserve(t, "B-01", 2)
	if _, err := f.engine.CancelReservation(ctx, core.CancelReservationCmd{ReservationID: r2, Reason: "test"}); err != nil {
		t.Fatalf("Cancel r2: %v", err)
	}

	r3 := f.reserve(t, "A-01", 1)
	if _, err := f.engine.StartPicking(ctx, core.StartPickingCmd{ReservationID: r3, IdempotencyToken: "t3"}); err != nil {
		t.Fatalf("StartPicking r3: %v", err)
	}
	f.reserve(t, "B-01", 1)
	f.reserve(t, "", 4)
}

func liveRow[T any](t *testing.T, views eventstore.ViewStore, view, key string) T {
	t.Helper()
	rows, _, err := views.Live(context.Background(), view)
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	var out T
	for _, r := range rows {
		if r.Key == key {
			if err := json.Unmarshal(r.Payload, &out); err != nil {
				t.Fatalf("decode %s: %v", key, err)
			}
			return out
		}
	}
	t.Fatalf("row %s/%s not found", view, key)
	return out
}

func TestWorker_BuildsViews(t *testing.T) {
	f := newFixture(t)
	f.scenario(t)
	f.catchUp(t)

	// A-01: 10 - 2 - 1 - 3 consumed = 4 on hand, 1 hard-locked (r3)
	a := liveRow[projection.LocationBalance](t, f.views, projection.ViewLocationBalance, wh+"|A-01|SKU-1")
	if a.OnHand != 4 || a.HardLocked != 1 || a.SoftAllocated != 0 {
		t.Errorf("A-01: got %+v", a)
	}
	// B-01: 5 + 2 - 1 = 6, 1 soft-allocated (r4)
	b := liveRow[projection.LocationBalance](t, f.views, projection.ViewLocationBalance, wh+"|B-01|SKU-1")
	if b.OnHand != 6 || b.HardLocked != 0 || b.SoftAllocated != 1 {
		t.Errorf("B-01: got %+v", b)
	}

	s := liveRow[projection.AvailableStock](t, f.views, projection.ViewAvailableStock, projection.SKUKey(wh, "SKU-1"))
	if s.OnHand != 10 || s.Available != 8 {
		t.Errorf("available_stock: got %+v", s)
	}

	rows, _, err := f.views.Live(context.Background(), projection.ViewMovementHistory)
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	// transfer pair + dispatch + adjustment; receipts and pick consumption excluded
	if len(rows) != 4 {
		t.Errorf("expected 4 history rows, got %d", len(rows))
	}

	lag, err := f.worker.Lag(context.Background())
	if err != nil {
		t.Fatalf("Lag: %v", err)
	}
	for name, l := range lag {
		if l != 0 {
			t.Errorf("%s lag %d after catch-up", name, l)
		}
	}
}

func TestVerify_LiveMatchesReplay(t *testing.T) {
	f := newFixture(t)
	f.scenario(t)
	f.catchUp(t)

	for _, p := range f.projects {
		rep, err := f.rebuild.Verify(context.Background(), p.Name())
		if err != nil {
			t.Fatalf("Verify %s: %v", p.Name(), err)
		}
		if !rep.Match {
			t.Errorf("%s: live %s (%d rows) != replay %s (%d rows)",
				p.Name(), rep.LiveChecksum, rep.LiveRows, rep.ShadowChecksum, rep.ShadowRows)
		}
		if rep.Swapped {
			t.Errorf("%s: verify must not swap", p.Name())
		}
	}
}

func TestVerify_AllocatedReservationKeepsWarehouse(t *testing.T) {
	f := newFixture(t)
	f.move(t, core.MovementReceipt, "", "A-01", 10)
	f.reserve(t, "A-01", 3)
	f.catchUp(t)
	ctx := context.Background()

	for _, name := range []string{projection.ViewLocationBalance, projection.ViewAvailableStock} {
		rep, err := f.rebuild.Verify(ctx, name)
		if err != nil {
			t.Fatalf("Verify %s: %v", name, err)
		}
		if !rep.Match || rep.ShadowRows != 1 || rep.LiveRows != 1 {
			t.Errorf("%s: expected one matching row, got %+v", name, rep)
		}
	}

	if _, err := f.rebuild.Rebuild(ctx, projection.ViewLocationBalance); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	rows, _, _ := f.views.Live(ctx, projection.ViewLocationBalance)
	if len(rows) != 1 {
		t.Fatalf("expected a single location row after rebuild, got %+v", rows)
	}
	b := liveRow[projection.LocationBalance](t, f.views, projection.ViewLocationBalance, wh+"|A-01|SKU-1")
	if b.OnHand != 10 || b.SoftAllocated != 3 {
		t.Errorf("unexpected rebuilt row %+v", b)
	}
}

// swapHookViews runs beforeSwap ahead of every swap.
type swapHookViews struct {
	*eventstore.MemoryViews
	beforeSwap func()
}

func (v *swapHookViews) SwapShadow(ctx context.Context, view string, rows []eventstore.ViewRow, head int64) error {
	if v.beforeSwap != nil {
		v.beforeSwap()
	}
	return v.MemoryViews.SwapShadow(ctx, view, rows, head)
}

func TestRebuild_ConcurrentVerifyDoesNotLoseEvents(t *testing.T) {
	f := newFixture(t)
	f.scenario(t)
	f.catchUp(t)
	f.move(t, core.MovementReceipt, "", "A-01", 4) // past the live checkpoint
	ctx := context.Background()

	views := &swapHookViews{MemoryViews: f.views}
	rebuilder := projection.NewRebuilder(f.store, views, f.projects, 3, nil, zerolog.Nop())
	views.beforeSwap = func() {
		rep, err := rebuilder.Verify(ctx, projection.ViewLocationBalance)
		if err != nil {
			t.Errorf("Verify during rebuild: %v", err)
		}
		if !rep.Match {
			t.Errorf("verify at the old checkpoint should match, got %+v", rep)
		}
	}

	rep, err := rebuilder.Rebuild(ctx, projection.ViewLocationBalance)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	head, _ := f.store.HeadPosition(ctx)
	if rep.ReplayedTo != head {
		t.Errorf("expected replay to %d, got %d", head, rep.ReplayedTo)
	}
	a := liveRow[projection.LocationBalance](t, f.views, projection.ViewLocationBalance, wh+"|A-01|SKU-1")
	if a.OnHand != 8 {
		t.Errorf("expected on_hand 8 including the late receipt, got %d", a.OnHand)
	}

	views.beforeSwap = nil
	f.catchUp(t)
	rep, err = rebuilder.Verify(ctx, projection.ViewLocationBalance)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !rep.Match || rep.LiveCheckpoint != head {
		t.Errorf("expected match at %d, got %+v", head, rep)
	}
}

func TestRedelivery_IsNoOp(t *testing.T) {
	f := newFixture(t)
	f.scenario(t)
	f.catchUp(t)
	ctx := context.Background()

	before := make(map[string]string)
	for _, p := range f.projects {
		rows, _, _ := f.views.Live(ctx, p.Name())
		sum, _ := projection.Checksum(rows)
		before[p.Name()] = sum
	}

	events, err := f.store.ReadAll(ctx, 0, 1000)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	for _, p := range f.projects {
		for _, evt := range events {
			payload, err := evt.Decode()
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			applied, err := f.views.Process(ctx, p.Name(), evt, func(ctx context.Context, tx eventstore.ViewTx) error {
				return p.Apply(ctx, tx, evt, payload)
			})
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if applied {
				t.Fatalf("%s re-applied event at %d", p.Name(), evt.Position)
			}
		}
		rows, _, _ := f.views.Live(ctx, p.Name())
		if sum, _ := projection.Checksum(rows); sum != before[p.Name()] {
			t.Errorf("%s changed after redelivery", p.Name())
		}
	}
}

func TestVerify_DetectsDriftAndRebuildRepairs(t *testing.T) {
	f := newFixture(t)
	f.scenario(t)
	f.catchUp(t)
	ctx := context.Background()

	f.views.SetLive(projection.ViewLocationBalance, eventstore.ViewRow{
		Key:     wh + "|A-01|SKU-1",
		Payload: []byte(`{"warehouse_id":"WH1","location":"A-01","sku":"SKU-1","on_hand":999,"hard_locked":1,"soft_allocated":0,"movements":5}`),
	})

	rep, err := f.rebuild.Verify(ctx, projection.ViewLocationBalance)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.Match {
		t.Fatal("expected drift to be detected")
	}

	rep, err = f.rebuild.Rebuild(ctx, projection.ViewLocationBalance)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if rep.Match || !rep.Swapped {
		t.Errorf("rebuild should report the mismatch and swap, got %+v", rep)
	}

	rep, err = f.rebuild.Verify(ctx, projection.ViewLocationBalance)
	if err != nil {
		t.Fatalf("Verify after rebuild: %v", err)
	}
	if !rep.Match {
		t.Error("expected match after rebuild")
	}
	a := liveRow[projection.LocationBalance](t, f.views, projection.ViewLocationBalance, wh+"|A-01|SKU-1")
	if a.OnHand != 4 {
		t.Errorf("expected repaired on_hand 4, got %d", a.OnHand)
	}
}

func TestRebuild_ResetsCheckpointAndWorkerContinues(t *testing.T) {
	f := newFixture(t)
	f.scenario(t)
	ctx := context.Background()

	// rebuild a view the worker has never touched
	rep, err := f.rebuild.Rebuild(ctx, projection.ViewReservationSummary)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	head, _ := f.store.HeadPosition(ctx)
	if cp, _ := f.views.Checkpoint(ctx, projection.ViewReservationSummary); cp != head || rep.ReplayedTo != head {
		t.Errorf("expected checkpoint %d, got %d (report %d)", head, cp, rep.ReplayedTo)
	}

	f.reserve(t, "", 2)
	f.catchUp(t)

	rep, err = f.rebuild.Verify(ctx, projection.ViewReservationSummary)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !rep.Match || rep.LiveRows != 6 {
		t.Errorf("expected 6 matching summaries, got %+v", rep)
	}
}

func TestViewAllocator_SplitsAcrossLocations(t *testing.T) {
	f := newFixture(t)
	f.move(t, core.MovementReceipt, "", "A-01", 3)
	f.move(t, core.MovementReceipt, "", "B-01", 5)
	f.catchUp(t)

	alloc := projection.NewViewAllocator(f.views)
	got, err := alloc.Allocate(context.Background(), wh, []event.Line{{SKU: "SKU-1", Quantity: 7}})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(got) != 2 || got[0].Location != "B-01" || got[0].Quantity != 5 || got[1].Location != "A-01" || got[1].Quantity != 2 {
		t.Errorf("unexpected allocation %+v", got)
	}

	_, err = alloc.Allocate(context.Background(), wh, []event.Line{{SKU: "SKU-1", Quantity: 9}})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected shortage error, got %v", err)
	}
}

func TestChecksum_CanonicalizesPayload(t *testing.T) {
	a := []eventstore.ViewRow{{Key: "k", Payload: []byte(`{"b":1,"a":[1,2]}`)}}
	b := []eventstore.ViewRow{{Key: "k", Payload: []byte(`{ "a": [1, 2], "b": 1 }`), Position: 42}}
	c := []eventstore.ViewRow{{Key: "k", Payload: []byte(`{"a":[1,2],"b":2}`)}}

	sa, err := projection.Checksum(a)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	sb, _ := projection.Checksum(b)
	sc, _ := projection.Checksum(c)
	if sa != sb {
		t.Error("formatting and position must not change the checksum")
	}
	if sa == sc {
		t.Error("different payloads must differ")
	}
}

func TestGapTracker_HoldsThenSkips(t *testing.T) {
	now := time.Unix(0, 0)
	g := projection.NewGapTracker(5 * time.Second)
	g.SetClock(func() time.Time { return now })

	if g.Check("v", 3, 5) {
		t.Fatal("fresh gap must hold")
	}
	now = now.Add(4 * time.Second)
	if g.Check("v", 3, 5) {
		t.Fatal("gap within timeout must hold")
	}
	now = now.Add(2 * time.Second)
	if !g.Check("v", 3, 5) {
		t.Fatal("gap past timeout must be skipped")
	}
	if g.Open("v") {
		t.Error("skipped gap should be forgotten")
	}

	// a different expected position restarts the clock
	g.Check("v", 7, 9)
	now = now.Add(10 * time.Second)
	if g.Check("v", 8, 9) {
		t.Error("new gap must hold")
	}
}
