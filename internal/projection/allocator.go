package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"StockLedger/internal/event"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/ledger"
)

// ViewAllocator proposes allocations from the location_balance view. It
// reads eventually consistent data, so its answer is only a suggestion:
// StartPicking re-checks the ledger under the guard.
type ViewAllocator struct {
	views eventstore.ViewStore
}

func NewViewAllocator(views eventstore.ViewStore) *ViewAllocator {
	return &ViewAllocator{views: views}
}

// Allocate fills each line from the locations with the most free stock
// first, splitting across locations when needed.
func (a *ViewAllocator) Allocate(ctx context.Context, warehouseID string, lines []event.Line) ([]event.Allocation, error) {
	rows, _, err := a.views.Live(ctx, ViewLocationBalance)
	if err != nil {
		return nil, err
	}

	bySKU := make(map[string][]LocationBalance)
	prefix := warehouseID + "|"
	for _, r := range rows {
		if !strings.HasPrefix(r.Key, prefix) {
			continue
		}
		var b LocationBalance
		if err := json.Unmarshal(r.Payload, &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.Key, err)
		}
		if b.Available() > 0 {
			bySKU[b.SKU] = append(bySKU[b.SKU], b)
		}
	}

	var out []event.Allocation
	for _, l := range lines {
		candidates := bySKU[l.SKU]
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Available() != candidates[j].Available() {
				return candidates[i].Available() > candidates[j].Available()
			}
			return candidates[i].Location < candidates[j].Location
		})
		need := l.Quantity
		for _, c := range candidates {
			if need == 0 {
				break
			}
			take := min(need, c.Available())
			out = append(out, event.Allocation{Location: c.Location, SKU: l.SKU, Quantity: take})
			need -= take
		}
		if need > 0 {
			return nil, fmt.Errorf("%w: %s/%s short by %d in location_balance",
				ledger.ErrInsufficientBalance, warehouseID, l.SKU, need)
		}
	}
	return out, nil
}
