package persistence

import (
	"context"
	"database/sql"
	"strings"
	"testing"
)

type recordingExecer struct {
	queries []string
	args    [][]any
}

func (r *recordingExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	r.queries = append(r.queries, query)
	r.args = append(r.args, args)
	return nil, nil
}

func TestInsertRows_BuildsPlaceholders(t *testing.T) {
	rec := &recordingExecer{}
	err := insertRows(context.Background(), rec, "t", []string{"a", "b"},
		[][]any{{1, "x"}, {2, "y"}}, "ON CONFLICT DO NOTHING")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(rec.queries) != 1 {
		t.Fatalf("statements: got %d, want 1", len(rec.queries))
	}
	want := "INSERT INTO t (a, b) VALUES ($1, $2), ($3, $4) ON CONFLICT DO NOTHING"
	if rec.queries[0] != want {
		t.Errorf("query:\n got %s\nwant %s", rec.queries[0], want)
	}
	if len(rec.args[0]) != 4 {
		t.Errorf("args: got %d, want 4", len(rec.args[0]))
	}
}

func TestInsertRows_ChunksByParameterLimit(t *testing.T) {
	rec := &recordingExecer{}
	cols := []string{"a", "b", "c"}
	perChunk := maxInsertParams / len(cols)
	rows := make([][]any, perChunk+5)
	for i := range rows {
		rows[i] = []any{i, i, i}
	}
	if err := insertRows(context.Background(), rec, "t", cols, rows, ""); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(rec.queries) != 2 {
		t.Fatalf("statements: got %d, want 2", len(rec.queries))
	}
	if !strings.HasSuffix(rec.queries[1], "($13, $14, $15)") {
		t.Errorf("second chunk must restart numbering: %s", rec.queries[1][len(rec.queries[1])-40:])
	}
}

func TestInsertRows_RejectsRaggedRows(t *testing.T) {
	err := insertRows(context.Background(), &recordingExecer{}, "t", []string{"a", "b"}, [][]any{{1}}, "")
	if err == nil {
		t.Fatal("expected error for short row")
	}
}
