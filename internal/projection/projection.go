// Package projection maintains the asynchronous read models.
//
// Every view has two independent code paths: a live handler that updates
// rows incrementally as the worker follows the event log, and a replay fold
// used by Rebuild/Verify that recomputes the rows from the log alone. The
// checksum pipeline compares the two.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"StockLedger/internal/event"
	"StockLedger/internal/eventstore"
)

const (
	ViewLocationBalance    = "location_balance"
	ViewAvailableStock     = "available_stock"
	ViewReservationSummary = "reservation_summary"
	ViewMovementHistory    = "movement_history"
)

// Projection is one async view.
type Projection interface {
	Name() string
	Handles(t event.Type) bool
	// Apply updates live rows for one event inside the view transaction.
	Apply(ctx context.Context, tx eventstore.ViewTx, evt eventstore.RecordedEvent, p event.Payload) error
	// NewReplay returns an empty pure fold over the event log.
	NewReplay() Replay
}

// Replay folds events in position order without reading any stored view.
// It receives every event of the log and ignores what it does not need.
type Replay interface {
	Apply(evt eventstore.RecordedEvent, p event.Payload) error
	Rows() ([]eventstore.ViewRow, error)
}

// All returns every async projection.
func All() []Projection {
	return []Projection{
		LocationBalanceProjection{},
		AvailableStockProjection{},
		ReservationSummaryProjection{},
		MovementHistoryProjection{},
	}
}

// ByName looks a projection up among ps.
func ByName(ps []Projection, name string) (Projection, error) {
	for _, p := range ps {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown projection %q", name)
}

// updateRow is the read-modify-write step of live handlers. fn returns false
// to delete the row.
func updateRow[T any](ctx context.Context, tx eventstore.ViewTx, key string, fn func(row *T, exists bool) bool) error {
	var row T
	data, ok, err := tx.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("decode row %s: %w", key, err)
		}
	}
	if !fn(&row, ok) {
		if ok {
			return tx.Delete(ctx, key)
		}
		return nil
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row %s: %w", key, err)
	}
	return tx.Put(ctx, key, payload)
}

// encodeRows turns a keyed map into sorted view rows.
func encodeRows[T any](rows map[string]T) ([]eventstore.ViewRow, error) {
	out := make([]eventstore.ViewRow, 0, len(rows))
	for k, v := range rows {
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode row %s: %w", k, err)
		}
		out = append(out, eventstore.ViewRow{Key: k, Payload: payload})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
