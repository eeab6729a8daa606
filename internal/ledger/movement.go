package ledger

import (
	"fmt"
	"time"
)

// MovementKind classifies a ledger entry.
type MovementKind string

const (
	KindReceipt         MovementKind = "receipt"
	KindTransferIn      MovementKind = "transfer_in"
	KindTransferOut     MovementKind = "transfer_out"
	KindDispatch        MovementKind = "dispatch"
	KindAdjustment      MovementKind = "adjustment"
	KindPickConsumption MovementKind = "pick_consumption"
)

// ParseMovementKind accepts the wire names above. "transfer" is accepted as
// the command-level kind that expands into a transfer_out/transfer_in pair.
func ParseMovementKind(s string) (MovementKind, error) {
	switch k := MovementKind(s); k {
	case KindReceipt, KindTransferIn, KindTransferOut, KindDispatch, KindAdjustment, KindPickConsumption:
		return k, nil
	default:
		return "", fmt.Errorf("unknown movement kind %q", s)
	}
}

// IsDebit reports whether entries of this kind remove stock from the key.
func (k MovementKind) IsDebit() bool {
	return k == KindTransferOut || k == KindDispatch || k == KindPickConsumption
}

// ValidateQuantity enforces the sign convention for each kind.
// Adjustments may go either way but never be zero.
func (k MovementKind) ValidateQuantity(qty int64) error {
	switch k {
	case KindReceipt, KindTransferIn:
		if qty <= 0 {
			return fmt.Errorf("%s quantity must be positive, got %d", k, qty)
		}
	case KindTransferOut, KindDispatch, KindPickConsumption:
		if qty >= 0 {
			return fmt.Errorf("%s quantity must be negative, got %d", k, qty)
		}
	case KindAdjustment:
		if qty == 0 {
			return fmt.Errorf("adjustment quantity must be non-zero")
		}
	default:
		return fmt.Errorf("unknown movement kind %q", k)
	}
	return nil
}

// Movement is one entry of a stock ledger stream.
type Movement struct {
	MovementID    int64        `json:"movement_id"`
	Key           Key          `json:"key"`
	Quantity      int64        `json:"quantity"` // signed
	Kind          MovementKind `json:"kind"`
	Operator      string       `json:"operator"`
	TransferID    int64        `json:"transfer_id,omitempty"`
	ReservationID string       `json:"reservation_id,omitempty"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

// Validate checks the movement in isolation (no balance context).
func (m Movement) Validate() error {
	if err := m.Key.Validate(); err != nil {
		return err
	}
	if err := m.Kind.ValidateQuantity(m.Quantity); err != nil {
		return err
	}
	if m.Operator == "" {
		return fmt.Errorf("movement operator is required")
	}
	if (m.Kind == KindTransferIn || m.Kind == KindTransferOut) && m.TransferID == 0 {
		return fmt.Errorf("%s requires a transfer id", m.Kind)
	}
	if m.Kind == KindPickConsumption && m.ReservationID == "" {
		return fmt.Errorf("pick_consumption requires a reservation id")
	}
	return nil
}
