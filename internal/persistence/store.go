package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"StockLedger/internal/event"
	"StockLedger/internal/eventstore"
	"StockLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PostgresStore implements eventstore.Store on database/sql + lib/pq.
// Read-write transactions run at READ COMMITTED; the balance guard provides
// the serialization the invariant checks need.
type PostgresStore struct {
	db       *sql.DB
	commands *CommandChecker
	logger   zerolog.Logger
}

func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:       db,
		commands: NewCommandChecker(db),
		logger:   logger,
	}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx eventstore.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	tx := &pgTx{tx: sqlTx}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(ctx context.Context, tx eventstore.ReadTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return classify(fmt.Errorf("begin read tx: %w", err))
	}
	defer sqlTx.Rollback()
	return fn(ctx, &pgTx{tx: sqlTx})
}

func (s *PostgresStore) ReadAll(ctx context.Context, after int64, limit int) ([]eventstore.RecordedEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT global_position, event_id, stream_id, stream_type, stream_version,
		       event_type, payload, metadata, recorded_at
		FROM event_store.events
		WHERE global_position > $1
		ORDER BY global_position
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("read all: %w", err))
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) HeadPosition(ctx context.Context) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(global_position), 0) FROM event_store.events`,
	).Scan(&head)
	if err != nil {
		return 0, classify(fmt.Errorf("head position: %w", err))
	}
	return head, nil
}

func (s *PostgresStore) HasCommand(ctx context.Context, command, commandID string) (bool, error) {
	return s.commands.Seen(ctx, command, commandID)
}

// pgTx is both the read-write and the read-only transaction handle.
type pgTx struct {
	tx    *sql.Tx
	hooks []func()
	once  sync.Once
}

func (t *pgTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *pgTx) OnRelease(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func (t *pgTx) release() {
	t.once.Do(func() {
		for i := len(t.hooks) - 1; i >= 0; i-- {
			t.hooks[i]()
		}
	})
}

func (t *pgTx) ReadStream(ctx context.Context, streamID string, afterVersion int64) ([]eventstore.RecordedEvent, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT global_position, event_id, stream_id, stream_type, stream_version,
		       event_type, payload, metadata, recorded_at
		FROM event_store.events
		WHERE stream_id = $1 AND stream_version > $2
		ORDER BY stream_version
	`, streamID, afterVersion)
	if err != nil {
		return nil, classify(fmt.Errorf("read stream %s: %w", streamID, err))
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Append bumps the stream row conditioned on expectedVersion, then inserts
// the events. A lost race shows up as zero rows affected.
func (t *pgTx) Append(ctx context.Context, streamID, streamType string, expectedVersion int64, events []eventstore.NewEvent) error {
	if len(events) == 0 {
		return nil
	}
	next := expectedVersion + int64(len(events))

	var res sql.Result
	var err error
	if expectedVersion == 0 {
		res, err = t.tx.ExecContext(ctx, `
			INSERT INTO event_store.streams (stream_id, stream_type, version)
			VALUES ($1, $2, $3)
			ON CONFLICT (stream_id) DO NOTHING
		`, streamID, streamType, next)
	} else {
		res, err = t.tx.ExecContext(ctx, `
			UPDATE event_store.streams SET version = $3, updated_at = NOW()
			WHERE stream_id = $1 AND version = $2
		`, streamID, expectedVersion, next)
	}
	if err != nil {
		return classify(fmt.Errorf("bump stream %s: %w", streamID, err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return classify(err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s expected version %d", eventstore.ErrVersionConflict, streamID, expectedVersion)
	}

	rows := make([][]any, 0, len(events))
	for i, e := range events {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		rows = append(rows, []any{
			e.EventID, streamID, streamType, expectedVersion + int64(i) + 1,
			string(e.Type), string(e.Payload), string(meta),
		})
	}
	err = insertRows(ctx, t.tx, "event_store.events",
		[]string{"event_id", "stream_id", "stream_type", "stream_version", "event_type", "payload", "metadata"},
		rows, "")
	if err != nil {
		return classify(fmt.Errorf("insert events %s: %w", streamID, err))
	}
	return nil
}

func (t *pgTx) HardLockedQuantity(ctx context.Context, key ledger.Key) (int64, error) {
	var sum int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM projections.active_hard_locks
		WHERE warehouse_id = $1 AND location = $2 AND sku = $3
	`, key.WarehouseID, key.Location, key.SKU).Scan(&sum)
	if err != nil {
		return 0, classify(fmt.Errorf("hard locked %s: %w", key, err))
	}
	return sum, nil
}

func (t *pgTx) HardLocksFor(ctx context.Context, reservationID uuid.UUID) ([]eventstore.HardLock, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT reservation_id, warehouse_id, location, sku, quantity
		FROM projections.active_hard_locks
		WHERE reservation_id = $1
		ORDER BY warehouse_id, location, sku
	`, reservationID)
	if err != nil {
		return nil, classify(fmt.Errorf("hard locks for %s: %w", reservationID, err))
	}
	defer rows.Close()
	return scanHardLocks(rows)
}

func (t *pgTx) InsertHardLocks(ctx context.Context, locks []eventstore.HardLock) error {
	if len(locks) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(locks))
	for _, l := range locks {
		rows = append(rows, []any{l.ReservationID, l.Key.WarehouseID, l.Key.Location, l.Key.SKU, l.Quantity})
	}
	err := insertRows(ctx, t.tx, "projections.active_hard_locks",
		[]string{"reservation_id", "warehouse_id", "location", "sku", "quantity"}, rows, "")
	if err != nil {
		return classify(fmt.Errorf("insert hard locks: %w", err))
	}
	return nil
}

func (t *pgTx) DeleteHardLocks(ctx context.Context, reservationID uuid.UUID) ([]eventstore.HardLock, error) {
	rows, err := t.tx.QueryContext(ctx, `
		DELETE FROM projections.active_hard_locks
		WHERE reservation_id = $1
		RETURNING reservation_id, warehouse_id, location, sku, quantity
	`, reservationID)
	if err != nil {
		return nil, classify(fmt.Errorf("delete hard locks %s: %w", reservationID, err))
	}
	defer rows.Close()
	return scanHardLocks(rows)
}

func scanEvents(rows *sql.Rows) ([]eventstore.RecordedEvent, error) {
	var out []eventstore.RecordedEvent
	for rows.Next() {
		var (
			e        eventstore.RecordedEvent
			evtType  string
			metadata []byte
		)
		if err := rows.Scan(&e.Position, &e.EventID, &e.StreamID, &e.StreamType, &e.Version,
			&evtType, &e.Payload, &metadata, &e.RecordedAt); err != nil {
			return nil, classify(err)
		}
		e.Type = event.Type(evtType)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata at %d: %w", e.Position, err)
			}
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func scanHardLocks(rows *sql.Rows) ([]eventstore.HardLock, error) {
	var out []eventstore.HardLock
	for rows.Next() {
		var l eventstore.HardLock
		if err := rows.Scan(&l.ReservationID, &l.Key.WarehouseID, &l.Key.Location, &l.Key.SKU, &l.Quantity); err != nil {
			return nil, classify(err)
		}
		out = append(out, l)
	}
	return out, classify(rows.Err())
}
