package ledger_test

import (
	"errors"
	"testing"
	"time"

	"StockLedger/internal/ledger"
)

func mustKey(t *testing.T, wh, loc, sku string) ledger.Key {
	t.Helper()
	k, err := ledger.NewKey(wh, loc, sku)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return k
}

func mustMovement(k ledger.Key, kind ledger.MovementKind, qty int64) ledger.Movement {
	return ledger.Movement{
		MovementID: 1,
		Key:        k,
		Quantity:   qty,
		Kind:       kind,
		Operator:   "op-1",
		TransferID: 77,
		OccurredAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestKey_StreamNameRoundTrip(t *testing.T) {
	k := mustKey(t, "WH1", "A-01", "SKU-001")
	if got := k.StreamName(); got != "stock-WH1|A-01|SKU-001" {
		t.Fatalf("stream name: got %s", got)
	}
	back, err := ledger.ParseStreamName(k.StreamName())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back != k {
		t.Errorf("round trip: got %+v, want %+v", back, k)
	}
	if _, err := ledger.ParseStreamName("reservation-x"); err == nil {
		t.Error("expected error for non-stock stream")
	}
}

func TestKey_RejectsSeparator(t *testing.T) {
	if _, err := ledger.NewKey("WH1", "A|01", "SKU"); err == nil {
		t.Fatal("expected separator to be rejected")
	}
	if _, err := ledger.NewKey("WH1", "", "SKU"); err == nil {
		t.Fatal("expected empty location to be rejected")
	}
}

func TestKey_LockIDDistinguishesComponents(t *testing.T) {
	a := mustKey(t, "WH1", "A-01", "SKU-001")
	b := mustKey(t, "WH1", "A-0", "1SKU-001")
	if a.LockID() == b.LockID() {
		t.Error("lock ids must not collide across component boundaries")
	}
	if a.LockID() != mustKey(t, "WH1", "A-01", "SKU-001").LockID() {
		t.Error("lock id must be stable")
	}
}

func TestSortKeys_DedupesAndOrders(t *testing.T) {
	b := mustKey(t, "WH1", "B-01", "SKU")
	a := mustKey(t, "WH1", "A-01", "SKU")
	got := ledger.SortKeys([]ledger.Key{b, a, b})
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("sorted: %+v", got)
	}
}

func TestMovementKind_SignRules(t *testing.T) {
	tests := []struct {
		kind ledger.MovementKind
		qty  int64
		ok   bool
	}{
		{ledger.KindReceipt, 5, true},
		{ledger.KindReceipt, -5, false},
		{ledger.KindTransferIn, 5, true},
		{ledger.KindTransferOut, -5, true},
		{ledger.KindTransferOut, 5, false},
		{ledger.KindDispatch, -1, true},
		{ledger.KindDispatch, 0, false},
		{ledger.KindAdjustment, -3, true},
		{ledger.KindAdjustment, 3, true},
		{ledger.KindAdjustment, 0, false},
		{ledger.KindPickConsumption, -2, true},
	}
	for _, tt := range tests {
		err := tt.kind.ValidateQuantity(tt.qty)
		if (err == nil) != tt.ok {
			t.Errorf("%s %d: err=%v, want ok=%v", tt.kind, tt.qty, err, tt.ok)
		}
	}
	if _, err := ledger.ParseMovementKind("teleport"); err == nil {
		t.Error("expected unknown kind error")
	}
}

func TestMovement_ValidateRequiresReferences(t *testing.T) {
	k := mustKey(t, "WH1", "A-01", "SKU")
	m := mustMovement(k, ledger.KindTransferOut, -3)
	m.TransferID = 0
	if err := m.Validate(); err == nil {
		t.Error("transfer without id must fail")
	}
	p := mustMovement(k, ledger.KindPickConsumption, -3)
	if err := p.Validate(); err == nil {
		t.Error("pick consumption without reservation must fail")
	}
	p.ReservationID = "r-1"
	if err := p.Validate(); err != nil {
		t.Errorf("valid pick consumption: %v", err)
	}
}

func TestStream_FoldAndChecks(t *testing.T) {
	k := mustKey(t, "WH1", "A-01", "SKU-001")
	s := ledger.Fold(*ledger.NewStream(k), []ledger.Movement{
		mustMovement(k, ledger.KindReceipt, 100),
		mustMovement(k, ledger.KindDispatch, -10),
		mustMovement(k, ledger.KindAdjustment, 5),
	})
	if s.Balance != 95 || s.Version != 3 || s.Entries != 3 {
		t.Fatalf("fold: %+v", s)
	}

	cont := ledger.Fold(s, []ledger.Movement{mustMovement(k, ledger.KindReceipt, 5)})
	if cont.Version != 4 || cont.Balance != 100 {
		t.Fatalf("continued fold: %+v", cont)
	}

	if err := s.CheckDebit(25, 70); err != nil {
		t.Errorf("debit within available: %v", err)
	}
	if err := s.CheckDebit(26, 70); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("debit over available: got %v", err)
	}
	if err := s.CheckLock(95, 0); err != nil {
		t.Errorf("lock full balance: %v", err)
	}
	if err := s.CheckLock(1, 95); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("lock over balance: got %v", err)
	}
}

func TestValidateTransferPair(t *testing.T) {
	src := mustKey(t, "WH1", "A-01", "SKU")
	dst := mustKey(t, "WH1", "B-01", "SKU")
	out := mustMovement(src, ledger.KindTransferOut, -4)
	in := mustMovement(dst, ledger.KindTransferIn, 4)
	if err := ledger.ValidateTransferPair(out, in); err != nil {
		t.Fatalf("valid pair: %v", err)
	}
	in.Quantity = 3
	if err := ledger.ValidateTransferPair(out, in); err == nil {
		t.Error("unbalanced pair must fail")
	}
	in = mustMovement(mustKey(t, "WH1", "B-01", "OTHER"), ledger.KindTransferIn, 4)
	if err := ledger.ValidateTransferPair(out, in); err == nil {
		t.Error("cross-sku pair must fail")
	}
}

func TestSKUTotals(t *testing.T) {
	a := ledger.Stream{Key: mustKey(t, "WH1", "A-01", "SKU"), Balance: 60}
	b := ledger.Stream{Key: mustKey(t, "WH1", "B-01", "SKU"), Balance: 40}
	totals := ledger.SKUTotals([]ledger.Stream{a, b})
	if totals[[2]string{"WH1", "SKU"}] != 100 {
		t.Errorf("totals: %+v", totals)
	}
}
