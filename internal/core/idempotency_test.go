package core_test

import (
	"context"
	"testing"

	"StockLedger/internal/core"
	"StockLedger/internal/eventstore"
)

func TestCommandLRU_EvictsOldest(t *testing.T) {
	lru := core.NewCommandLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote a
	if evicted := lru.Add("c"); !evicted {
		t.Fatal("expected eviction at capacity")
	}
	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if !lru.Contains("a") || !lru.Contains("c") {
		t.Error("a and c should remain")
	}
	if lru.Size() != 2 {
		t.Errorf("expected size 2, got %d", lru.Size())
	}
}

type countingChecker struct {
	seen  map[string]bool
	calls int
}

func (c *countingChecker) HasCommand(ctx context.Context, command, id string) (bool, error) {
	c.calls++
	return c.seen[command+":"+id], nil
}

func TestCommandDeduper_FallsBackToDurableTier(t *testing.T) {
	durable := &countingChecker{seen: map[string]bool{"CancelReservation:old": true}}
	d := core.NewCommandDeduper(10, durable, nil)
	ctx := context.Background()

	if !d.Seen(ctx, "CancelReservation", "old") {
		t.Fatal("expected durable hit")
	}
	// second lookup is served by the LRU
	if !d.Seen(ctx, "CancelReservation", "old") || durable.calls != 1 {
		t.Errorf("expected LRU hit without a durable call, calls=%d", durable.calls)
	}
	if d.Seen(ctx, "CancelReservation", "new") {
		t.Error("unknown command reported as seen")
	}
	if d.Seen(ctx, "CancelReservation", "") {
		t.Error("empty command id must never be a duplicate")
	}
}

func TestCommandDeduper_WithMemoryStore(t *testing.T) {
	d := core.NewCommandDeduper(10, eventstore.NewMemory(), nil)
	d.Mark("CreateReservation", "cmd-1")
	if !d.Seen(context.Background(), "CreateReservation", "cmd-1") {
		t.Error("marked command should be seen")
	}
}

func TestCommandDeduper_ScopedByCommandName(t *testing.T) {
	d := core.NewCommandDeduper(10, eventstore.NewMemory(), nil)
	d.Mark("CreateReservation", "cmd-1")
	if d.Seen(context.Background(), "AllocateReservation", "cmd-1") {
		t.Error("the same id under another command must not be a duplicate")
	}
}
