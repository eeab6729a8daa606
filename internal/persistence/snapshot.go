package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"StockLedger/internal/eventstore"
)

// LoadSnapshot returns the latest snapshot of a stream, or nil.
func (t *pgTx) LoadSnapshot(ctx context.Context, streamID string) (*eventstore.Snapshot, error) {
	snap := eventstore.Snapshot{StreamID: streamID}
	err := t.tx.QueryRowContext(ctx, `
		SELECT version, state FROM event_store.snapshots WHERE stream_id = $1
	`, streamID).Scan(&snap.Version, &snap.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("load snapshot %s: %w", streamID, err))
	}
	return &snap, nil
}

// SaveSnapshot upserts a snapshot; an older version never replaces a newer one.
func (t *pgTx) SaveSnapshot(ctx context.Context, s eventstore.Snapshot) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO event_store.snapshots (stream_id, version, state, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (stream_id) DO UPDATE
		SET version = EXCLUDED.version, state = EXCLUDED.state, created_at = EXCLUDED.created_at
		WHERE event_store.snapshots.version < EXCLUDED.version
	`, s.StreamID, s.Version, string(s.State))
	if err != nil {
		return classify(fmt.Errorf("save snapshot %s: %w", s.StreamID, err))
	}
	return nil
}
