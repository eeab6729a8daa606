package event

import "StockLedger/internal/ledger"

// StockMovementRecorded is the only event type of a stock ledger stream.
type StockMovementRecorded struct {
	ledger.Movement
}

func (e *StockMovementRecorded) EventType() Type {
	return TypeStockMovementRecorded
}
