package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"StockLedger/internal/core"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/guard"
	"StockLedger/internal/ingestion"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type published struct {
	subject string
	msgID   string
	event   ingestion.OutboundEvent
}

// recordingPublisher fails every publish while down is true.
type recordingPublisher struct {
	down bool
	sent []published
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte, msgID string, _ nats.Header) error {
	if p.down {
		return errors.New("nats: no responders")
	}
	var evt ingestion.OutboundEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	p.sent = append(p.sent, published{subject: subject, msgID: msgID, event: evt})
	return nil
}

func seedMovements(t *testing.T, store *eventstore.Memory, n int) {
	t.Helper()
	engine, err := core.NewEngine(store, guard.NewLocal(time.Second, nil), core.DefaultConfig(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	for i := 0; i < n; i++ {
		_, err := engine.RecordStockMovement(context.Background(), core.RecordStockMovementCmd{
			WarehouseID: "WH1", SKU: "SKU-1", Quantity: 1, ToLocation: "A-01", Kind: core.MovementReceipt,
		})
		if err != nil {
			t.Fatalf("receipt %d: %v", i, err)
		}
	}
}

func testRelayConfig() ingestion.RelayConfig {
	cfg := ingestion.DefaultRelayConfig()
	cfg.BatchSize = 2
	cfg.MaxRetries = 1
	cfg.RetryInterval = time.Millisecond
	return cfg
}

func TestRelay_PublishesInOrder(t *testing.T) {
	store := eventstore.NewMemory()
	views := eventstore.NewMemoryViews()
	seedMovements(t, store, 3)
	pub := &recordingPublisher{}
	relay := ingestion.NewRelay(store, views, pub, testRelayConfig(), nil, zerolog.Nop())

	for {
		n, err := relay.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if n == 0 {
			break
		}
	}

	if len(pub.sent) != 3 {
		t.Fatalf("expected 3 published, got %d", len(pub.sent))
	}
	events, err := store.ReadAll(context.Background(), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range pub.sent {
		if p.event.Position != int64(i+1) {
			t.Errorf("message %d: position %d", i, p.event.Position)
		}
		if p.msgID != events[i].EventID.String() {
			t.Errorf("message %d: msg id %s, want event id", i, p.msgID)
		}
		if p.subject != "wms.ledger.events.StockMovementRecorded" {
			t.Errorf("message %d: subject %s", i, p.subject)
		}
	}
	cp, err := relay.Checkpoint(context.Background())
	if err != nil || cp != 3 {
		t.Errorf("checkpoint %d, err %v", cp, err)
	}
}

func TestRelay_FailureKeepsCheckpoint(t *testing.T) {
	store := eventstore.NewMemory()
	views := eventstore.NewMemoryViews()
	seedMovements(t, store, 2)
	pub := &recordingPublisher{down: true}
	relay := ingestion.NewRelay(store, views, pub, testRelayConfig(), nil, zerolog.Nop())

	n, err := relay.RunOnce(context.Background())
	if err == nil || n != 0 {
		t.Fatalf("expected failure with nothing published, got n=%d err=%v", n, err)
	}
	if cp, _ := relay.Checkpoint(context.Background()); cp != 0 {
		t.Fatalf("checkpoint moved to %d", cp)
	}

	pub.down = false
	n, err = relay.RunOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 published after recovery, got n=%d err=%v", n, err)
	}
}
