package projection

import (
	"context"
	"fmt"
	"time"

	"StockLedger/internal/event"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/ledger"
)

// MovementRecord is a movement_history row: adjustments, dispatches and
// both legs of transfers. Keys sort by movement id, so in time order.
type MovementRecord struct {
	MovementID  int64     `json:"movement_id"`
	TransferID  int64     `json:"transfer_id,omitempty"`
	WarehouseID string    `json:"warehouse_id"`
	Location    string    `json:"location"`
	SKU         string    `json:"sku"`
	Kind        string    `json:"kind"`
	Quantity    int64     `json:"quantity"`
	Operator    string    `json:"operator"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func historyKey(movementID int64) string {
	return fmt.Sprintf("%020d", movementID)
}

func historyRecord(m ledger.Movement) (MovementRecord, bool) {
	switch m.Kind {
	case ledger.KindAdjustment, ledger.KindDispatch, ledger.KindTransferIn, ledger.KindTransferOut:
	default:
		return MovementRecord{}, false
	}
	return MovementRecord{
		MovementID:  m.MovementID,
		TransferID:  m.TransferID,
		WarehouseID: m.Key.WarehouseID,
		Location:    m.Key.Location,
		SKU:         m.Key.SKU,
		Kind:        string(m.Kind),
		Quantity:    m.Quantity,
		Operator:    m.Operator,
		OccurredAt:  m.OccurredAt,
	}, true
}

type MovementHistoryProjection struct{}

func (MovementHistoryProjection) Name() string { return ViewMovementHistory }

func (MovementHistoryProjection) Handles(t event.Type) bool {
	return t == event.TypeStockMovementRecorded
}

func (MovementHistoryProjection) Apply(ctx context.Context, tx eventstore.ViewTx, evt eventstore.RecordedEvent, p event.Payload) error {
	mv, ok := p.(*event.StockMovementRecorded)
	if !ok {
		return nil
	}
	rec, ok := historyRecord(mv.Movement)
	if !ok {
		return nil
	}
	return updateRow(ctx, tx, historyKey(rec.MovementID), func(row *MovementRecord, _ bool) bool {
		*row = rec
		return true
	})
}

func (MovementHistoryProjection) NewReplay() Replay {
	rows := make(map[string]MovementRecord)
	return replayFunc{
		apply: func(evt eventstore.RecordedEvent, p event.Payload) error {
			if mv, ok := p.(*event.StockMovementRecorded); ok {
				if rec, ok := historyRecord(mv.Movement); ok {
					rows[historyKey(rec.MovementID)] = rec
				}
			}
			return nil
		},
		rows: func() ([]eventstore.ViewRow, error) { return encodeRows(rows) },
	}
}
