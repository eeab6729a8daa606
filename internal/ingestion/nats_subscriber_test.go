package ingestion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"StockLedger/internal/core"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/guard"
	"StockLedger/internal/ingestion"
	"StockLedger/internal/ledger"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// stubCommands answers every command with err and records the last meta.
type stubCommands struct {
	res  core.Result
	err  error
	meta core.CommandMeta
}

func (s *stubCommands) CreateReservation(_ context.Context, cmd core.CreateReservationCmd) (core.Result, error) {
	s.meta = cmd.Meta
	return s.res, s.err
}

func (s *stubCommands) AllocateReservation(_ context.Context, cmd core.AllocateReservationCmd) (core.Result, error) {
	s.meta = cmd.Meta
	return s.res, s.err
}

func (s *stubCommands) StartPicking(_ context.Context, cmd core.StartPickingCmd) (core.Result, error) {
	s.meta = cmd.Meta
	return s.res, s.err
}

func (s *stubCommands) RecordStockMovement(_ context.Context, cmd core.RecordStockMovementCmd) (core.Result, error) {
	s.meta = cmd.Meta
	return s.res, s.err
}

func (s *stubCommands) ConsumeReservation(_ context.Context, cmd core.ConsumeReservationCmd) (core.Result, error) {
	s.meta = cmd.Meta
	return s.res, s.err
}

func (s *stubCommands) CancelReservation(_ context.Context, cmd core.CancelReservationCmd) (core.Result, error) {
	s.meta = cmd.Meta
	return s.res, s.err
}

const receiptBody = `{"warehouse_id":"WH1","sku":"SKU-1","quantity":5,"to_location":"A-01","kind":"receipt"}`

func TestHandle_Dispositions(t *testing.T) {
	tests := []struct {
		name string
		res  core.Result
		err  error
		body string
		want ingestion.Disposition
	}{
		{name: "committed", body: receiptBody, want: ingestion.Ack},
		{name: "duplicate", res: core.Result{Duplicate: true}, body: receiptBody, want: ingestion.Ack},
		{name: "insufficient stock", err: &core.Error{Kind: core.KindInsufficientStock}, body: receiptBody, want: ingestion.Ack},
		{name: "invalid state", err: &core.Error{Kind: core.KindInvalidState}, body: receiptBody, want: ingestion.Ack},
		{name: "version conflict", err: &core.Error{Kind: core.KindVersionConflict}, body: receiptBody, want: ingestion.Ack},
		{name: "guard timeout", err: &core.Error{Kind: core.KindGuardTimeout}, body: receiptBody, want: ingestion.Nak},
		{name: "internal", err: errors.New("connection reset"), body: receiptBody, want: ingestion.Nak},
		{name: "malformed", body: `{"kind":"receipt"}`, want: ingestion.Term},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubCommands{res: tt.res, err: tt.err}
			sub := ingestion.NewCommandSubscriber(nil, stub, ingestion.DefaultSubscriberConfig(), nil, zerolog.Nop())
			got := sub.Handle(context.Background(), ingestion.CommandSubject(ingestion.CommandRecordStockMovement), nil, []byte(tt.body))
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHandle_CommandIDFromMsgID(t *testing.T) {
	stub := &stubCommands{}
	sub := ingestion.NewCommandSubscriber(nil, stub, ingestion.DefaultSubscriberConfig(), nil, zerolog.Nop())
	header := nats.Header{}
	header.Set(nats.MsgIdHdr, "msg-42")

	sub.Handle(context.Background(), ingestion.CommandSubject(ingestion.CommandRecordStockMovement), header, []byte(receiptBody))
	if stub.meta.CommandID != "msg-42" {
		t.Errorf("expected command id from Nats-Msg-Id, got %q", stub.meta.CommandID)
	}

	body := `{"command_id":"explicit","warehouse_id":"WH1","sku":"SKU-1","quantity":5,"to_location":"A-01","kind":"receipt"}`
	sub.Handle(context.Background(), ingestion.CommandSubject(ingestion.CommandRecordStockMovement), header, []byte(body))
	if stub.meta.CommandID != "explicit" {
		t.Errorf("envelope command id should win, got %q", stub.meta.CommandID)
	}
}

func TestHandle_RedeliveryAppliesOnce(t *testing.T) {
	store := eventstore.NewMemory()
	engine, err := core.NewEngine(store, guard.NewLocal(time.Second, nil), core.DefaultConfig(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	sub := ingestion.NewCommandSubscriber(nil, engine, ingestion.DefaultSubscriberConfig(), nil, zerolog.Nop())
	header := nats.Header{}
	header.Set(nats.MsgIdHdr, "receipt-1")
	subject := ingestion.CommandSubject(ingestion.CommandRecordStockMovement)

	for i := 0; i < 3; i++ {
		if d := sub.Handle(context.Background(), subject, header, []byte(receiptBody)); d != ingestion.Ack {
			t.Fatalf("delivery %d: got %s", i, d)
		}
	}

	key, err := ledger.NewKey("WH1", "A-01", "SKU-1")
	if err != nil {
		t.Fatal(err)
	}
	var balance int64
	err = store.View(context.Background(), func(ctx context.Context, tx eventstore.ReadTx) error {
		st, err := core.ReadStock(ctx, tx, key)
		balance = st.Balance
		return err
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if balance != 5 {
		t.Errorf("expected balance 5 after redelivery, got %d", balance)
	}
}
