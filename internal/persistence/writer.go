package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// maxInsertParams keeps multi-row INSERTs under the Postgres limit of 65535
// bind parameters.
const maxInsertParams = 60000

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertRows writes rows with multi-row INSERT statements, chunked by
// parameter count. suffix is appended verbatim (e.g. an ON CONFLICT clause).
func insertRows(ctx context.Context, db execer, table string, columns []string, rows [][]any, suffix string) error {
	if len(rows) == 0 {
		return nil
	}
	perChunk := maxInsertParams / len(columns)

	for start := 0; start < len(rows); start += perChunk {
		end := min(start+perChunk, len(rows))
		chunk := rows[start:end]

		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if len(row) != len(columns) {
				return fmt.Errorf("insert %s: row has %d values, want %d", table, len(row), len(columns))
			}
			placeholders := make([]string, len(columns))
			for j := range columns {
				placeholders[j] = fmt.Sprintf("$%d", i*len(columns)+j+1)
			}
			values = append(values, "("+strings.Join(placeholders, ", ")+")")
			args = append(args, row...)
		}

		query := "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES " +
			strings.Join(values, ", ")
		if suffix != "" {
			query += " " + suffix
		}
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}
