package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"StockLedger/internal/eventstore"

	"github.com/rs/zerolog"
)

// PostgresViews implements eventstore.ViewStore over projections.view_rows,
// projections.view_rows_shadow, projections.checkpoints and
// projections.processed_events.
//
// Every write path locks the handler's checkpoint row first, so event
// processing and shadow swaps for one view are serialized.
type PostgresViews struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewPostgresViews(db *sql.DB, logger zerolog.Logger) *PostgresViews {
	return &PostgresViews{db: db, logger: logger}
}

func (v *PostgresViews) inTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := v.db.BeginTx(ctx, opts)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return classify(tx.Commit())
}

func lockCheckpoint(ctx context.Context, tx *sql.Tx, handler string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.checkpoints (handler, last_position)
		VALUES ($1, 0)
		ON CONFLICT (handler) DO NOTHING
	`, handler); err != nil {
		return 0, classify(fmt.Errorf("ensure checkpoint %s: %w", handler, err))
	}
	var pos int64
	err := tx.QueryRowContext(ctx, `
		SELECT last_position FROM projections.checkpoints WHERE handler = $1 FOR UPDATE
	`, handler).Scan(&pos)
	if err != nil {
		return 0, classify(fmt.Errorf("lock checkpoint %s: %w", handler, err))
	}
	return pos, nil
}

func setCheckpoint(ctx context.Context, tx *sql.Tx, handler string, pos int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.checkpoints SET last_position = $2, updated_at = NOW()
		WHERE handler = $1
	`, handler, pos)
	if err != nil {
		return classify(fmt.Errorf("set checkpoint %s: %w", handler, err))
	}
	return nil
}

func (v *PostgresViews) Process(ctx context.Context, handler string, evt eventstore.RecordedEvent, fn func(ctx context.Context, tx eventstore.ViewTx) error) (bool, error) {
	applied := false
	err := v.inTx(ctx, nil, func(tx *sql.Tx) error {
		cp, err := lockCheckpoint(ctx, tx, handler)
		if err != nil {
			return err
		}
		if evt.Position <= cp {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO projections.processed_events (handler, event_id, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (handler, event_id) DO NOTHING
		`, handler, evt.EventID, evt.Position)
		if err != nil {
			return classify(fmt.Errorf("record processed %s: %w", evt.EventID, err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		if err := fn(ctx, &pgViewTx{tx: tx, view: handler, position: evt.Position}); err != nil {
			return err
		}
		if err := setCheckpoint(ctx, tx, handler, evt.Position); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (v *PostgresViews) Advance(ctx context.Context, handler string, position int64) error {
	return v.inTx(ctx, nil, func(tx *sql.Tx) error {
		cp, err := lockCheckpoint(ctx, tx, handler)
		if err != nil {
			return err
		}
		if position <= cp {
			return nil
		}
		return setCheckpoint(ctx, tx, handler, position)
	})
}

func (v *PostgresViews) Checkpoint(ctx context.Context, handler string) (int64, error) {
	var pos int64
	err := v.db.QueryRowContext(ctx,
		`SELECT last_position FROM projections.checkpoints WHERE handler = $1`, handler,
	).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(fmt.Errorf("checkpoint %s: %w", handler, err))
	}
	return pos, nil
}

// Checkpoints lists every handler's position (lag reporting).
func (v *PostgresViews) Checkpoints(ctx context.Context) (map[string]int64, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT handler, last_position FROM projections.checkpoints`)
	if err != nil {
		return nil, classify(fmt.Errorf("list checkpoints: %w", err))
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var h string
		var p int64
		if err := rows.Scan(&h, &p); err != nil {
			return nil, classify(err)
		}
		out[h] = p
	}
	return out, classify(rows.Err())
}

func (v *PostgresViews) Live(ctx context.Context, view string) ([]eventstore.ViewRow, int64, error) {
	var (
		rows []eventstore.ViewRow
		cp   int64
	)
	err := v.inTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(tx *sql.Tx) error {
		var err error
		if rows, err = selectRows(ctx, tx, "projections.view_rows", view); err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx,
			`SELECT last_position FROM projections.checkpoints WHERE handler = $1`, view,
		).Scan(&cp)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return classify(err)
	})
	return rows, cp, err
}

func (v *PostgresViews) SwapShadow(ctx context.Context, view string, rows []eventstore.ViewRow, head int64) error {
	return v.inTx(ctx, nil, func(tx *sql.Tx) error {
		if _, err := lockCheckpoint(ctx, tx, view); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM projections.view_rows_shadow WHERE view = $1`, view,
		); err != nil {
			return classify(fmt.Errorf("clear shadow %s: %w", view, err))
		}
		values := make([][]any, 0, len(rows))
		for _, r := range rows {
			values = append(values, []any{view, r.Key, string(r.Payload), r.Position})
		}
		if err := insertRows(ctx, tx, "projections.view_rows_shadow",
			[]string{"view", "row_key", "payload", "last_position"}, values, ""); err != nil {
			return classify(fmt.Errorf("fill shadow %s: %w", view, err))
		}

		stmts := []struct {
			name  string
			query string
			args  []any
		}{
			{"clear live", `DELETE FROM projections.view_rows WHERE view = $1`, []any{view}},
			{"copy shadow", `
				INSERT INTO projections.view_rows (view, row_key, payload, last_position)
				SELECT view, row_key, payload, last_position
				FROM projections.view_rows_shadow WHERE view = $1
			`, []any{view}},
			{"clear shadow", `DELETE FROM projections.view_rows_shadow WHERE view = $1`, []any{view}},
			{"forget processed", `DELETE FROM projections.processed_events WHERE handler = $1 AND position > $2`, []any{view, head}},
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
				return classify(fmt.Errorf("swap %s: %s: %w", view, s.name, err))
			}
		}
		if err := setCheckpoint(ctx, tx, view, head); err != nil {
			return err
		}
		v.logger.Info().Str("view", view).Int64("checkpoint", head).Int("rows", len(rows)).Msg("shadow swapped into live")
		return nil
	})
}

func selectRows(ctx context.Context, tx *sql.Tx, table, view string) ([]eventstore.ViewRow, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT row_key, payload, last_position FROM `+table+` WHERE view = $1 ORDER BY row_key`, view)
	if err != nil {
		return nil, classify(fmt.Errorf("select %s %s: %w", table, view, err))
	}
	defer rows.Close()
	var out []eventstore.ViewRow
	for rows.Next() {
		var r eventstore.ViewRow
		if err := rows.Scan(&r.Key, &r.Payload, &r.Position); err != nil {
			return nil, classify(err)
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

type pgViewTx struct {
	tx       *sql.Tx
	view     string
	position int64
}

func (t *pgViewTx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := t.tx.QueryRowContext(ctx,
		`SELECT payload FROM projections.view_rows WHERE view = $1 AND row_key = $2`, t.view, key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(fmt.Errorf("get %s/%s: %w", t.view, key, err))
	}
	return payload, true, nil
}

func (t *pgViewTx) Put(ctx context.Context, key string, payload []byte) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO projections.view_rows (view, row_key, payload, last_position)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (view, row_key) DO UPDATE
		SET payload = EXCLUDED.payload, last_position = EXCLUDED.last_position
	`, t.view, key, string(payload), t.position)
	if err != nil {
		return classify(fmt.Errorf("put %s/%s: %w", t.view, key, err))
	}
	return nil
}

func (t *pgViewTx) Delete(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM projections.view_rows WHERE view = $1 AND row_key = $2`, t.view, key)
	if err != nil {
		return classify(fmt.Errorf("delete %s/%s: %w", t.view, key, err))
	}
	return nil
}
