package ingestion_test

import (
	"testing"

	"StockLedger/internal/core"
	"StockLedger/internal/ingestion"
)

func TestParseCommand_CreateReservation(t *testing.T) {
	cmd, err := ingestion.ParseCommand(ingestion.CommandCreateReservation, []byte(`{
		"command_id": "cmd-1",
		"operator": "alice",
		"warehouse_id": "WH1",
		"lines": [{"sku": "SKU-1", "quantity": 3}, {"sku": "SKU-2", "quantity": 1}]
	}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	req, ok := cmd.(*ingestion.CreateReservationRequest)
	if !ok {
		t.Fatalf("expected *CreateReservationRequest, got %T", cmd)
	}
	if req.WarehouseID != "WH1" || len(req.Lines) != 2 || req.Lines[0].Quantity != 3 {
		t.Errorf("unexpected request %+v", req)
	}
	if cmd.Common().CommandID != "cmd-1" || cmd.Common().Operator != "alice" {
		t.Errorf("envelope not decoded: %+v", cmd.Common())
	}
	if cmd.Name() != ingestion.CommandCreateReservation {
		t.Errorf("name: got %s", cmd.Name())
	}
}

func TestParseCommand_RecordStockMovement(t *testing.T) {
	cmd, err := ingestion.ParseCommand(ingestion.CommandRecordStockMovement, []byte(`{
		"warehouse_id": "WH1", "sku": "SKU-1", "quantity": 5,
		"from_location": "A-01", "to_location": "B-01", "kind": "transfer"
	}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	req := cmd.(*ingestion.RecordStockMovementRequest)
	if req.FromLocation != "A-01" || req.ToLocation != "B-01" || req.Kind != "transfer" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		command string
		body    string
	}{
		{"unknown command", "explode", `{}`},
		{"malformed json", ingestion.CommandCreateReservation, `{"warehouse_id":`},
		{"missing warehouse", ingestion.CommandCreateReservation, `{"lines":[{"sku":"S","quantity":1}]}`},
		{"no lines", ingestion.CommandCreateReservation, `{"warehouse_id":"WH1","lines":[]}`},
		{"zero line quantity", ingestion.CommandCreateReservation, `{"warehouse_id":"WH1","lines":[{"sku":"S","quantity":0}]}`},
		{"bad reservation id", ingestion.CommandStartPicking, `{"reservation_id":"nope","idempotency_token":"t"}`},
		{"missing token", ingestion.CommandStartPicking, `{"reservation_id":"550e8400-e29b-41d4-a716-446655440000"}`},
		{"allocation without location", ingestion.CommandAllocateReservation,
			`{"reservation_id":"550e8400-e29b-41d4-a716-446655440000","allocations":[{"sku":"S","quantity":1}]}`},
		{"unknown movement kind", ingestion.CommandRecordStockMovement,
			`{"warehouse_id":"WH1","sku":"S","quantity":1,"to_location":"A","kind":"teleport"}`},
		{"zero movement quantity", ingestion.CommandRecordStockMovement,
			`{"warehouse_id":"WH1","sku":"S","quantity":0,"to_location":"A","kind":"receipt"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tt.command, []byte(tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if core.KindOf(err) != core.KindInvalidArgument {
				t.Errorf("expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestNewCommandResponse(t *testing.T) {
	resp := ingestion.NewCommandResponse(core.Result{Version: 2, MovementIDs: []int64{7, 8}, TransferID: 9})
	if resp.ReservationID != "" {
		t.Errorf("nil reservation id should be omitted, got %q", resp.ReservationID)
	}
	if len(resp.MovementIDs) != 2 || resp.TransferID != 9 || resp.Version != 2 {
		t.Errorf("unexpected %+v", resp)
	}
}
