package ledger

import (
	"fmt"
)

// ValidateHardLockCoverage checks Σ hard locks ≤ balance for one key.
func ValidateHardLockCoverage(key Key, balance, hardLocked int64) error {
	if hardLocked > balance {
		return fmt.Errorf("hard locks exceed balance at %s: hard_locked=%d balance=%d",
			key, hardLocked, balance)
	}
	return nil
}

// ValidateNonNegative checks that a committed balance is >= 0.
func ValidateNonNegative(key Key, balance int64) error {
	if balance < 0 {
		return fmt.Errorf("negative balance at %s: %d", key, balance)
	}
	return nil
}

// ValidateTransferPair verifies a transfer is a matched debit/credit pair of
// the same SKU in the same warehouse, so the SKU total is conserved.
func ValidateTransferPair(out, in Movement) error {
	if out.Kind != KindTransferOut || in.Kind != KindTransferIn {
		return fmt.Errorf("transfer pair kinds: got %s/%s", out.Kind, in.Kind)
	}
	if out.TransferID != in.TransferID {
		return fmt.Errorf("transfer pair ids differ: %d/%d", out.TransferID, in.TransferID)
	}
	if out.Key.SKU != in.Key.SKU || out.Key.WarehouseID != in.Key.WarehouseID {
		return fmt.Errorf("transfer pair must move one SKU within one warehouse: %s -> %s", out.Key, in.Key)
	}
	if out.Key == in.Key {
		return fmt.Errorf("transfer source and destination are the same: %s", out.Key)
	}
	if out.Quantity+in.Quantity != 0 {
		return fmt.Errorf("transfer pair not balanced: %d + %d", out.Quantity, in.Quantity)
	}
	return nil
}

// SKUTotals sums balances per (warehouse, SKU) across locations.
func SKUTotals(streams []Stream) map[[2]string]int64 {
	totals := make(map[[2]string]int64)
	for _, s := range streams {
		totals[[2]string{s.Key.WarehouseID, s.Key.SKU}] += s.Balance
	}
	return totals
}
