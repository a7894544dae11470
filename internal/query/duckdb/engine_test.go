package duckdb

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/sqlpilot/sqlpilot/internal/query"
)

type row struct {
	ID    int64  `parquet:"id"`
	Value string `parquet:"value"`
}

func writeParquet(t *testing.T, dir, name string, rows []row) string {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[row](buf)
	if _, err := writer.Write(rows); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close parquet: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func writeDatabase(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "warehouse.duckdb")
	db, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	defer func() { _ = db.Close() }()
	for _, statement := range []string{
		`CREATE TABLE users (id INTEGER, name VARCHAR, active INTEGER)`,
		`INSERT INTO users VALUES (1, 'ada', 1), (2, 'brian', 0), (3, 'grace', 1)`,
	} {
		if _, err := db.Exec(statement); err != nil {
			t.Fatalf("seed %q: %v", statement, err)
		}
	}
	return path
}

func TestExecuteReadsParquetViews(t *testing.T) {
	dir := t.TempDir()
	first := writeParquet(t, dir, "events-1.parquet", []row{{ID: 1, Value: "a"}, {ID: 2, Value: "b"}})
	second := writeParquet(t, dir, "events-2.parquet", []row{{ID: 3, Value: "c"}})

	engine := NewEngine(Config{Views: map[string][]string{"events": {first, second}}}, nil)
	result, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT COUNT(*) AS c FROM events;"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !reflect.DeepEqual(result.Columns, []string{"c"}) {
		t.Fatalf("columns = %v", result.Columns)
	}
	if result.RowCount != 1 || result.Rows[0][0] != int64(3) {
		t.Fatalf("rows = %#v", result.Rows)
	}
	if result.RowLimit != DefaultRowLimit || result.Truncated {
		t.Fatalf("limit = %d truncated = %v", result.RowLimit, result.Truncated)
	}
}

func TestExecuteAgainstAttachedDatabase(t *testing.T) {
	path := writeDatabase(t, t.TempDir())
	engine := NewEngine(Config{Path: path}, nil)

	result, err := engine.Execute(context.Background(), query.Request{
		SQL: "SELECT id, name FROM users WHERE active = 1 ORDER BY id",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 2 || result.Rows[0][1] != "ada" || result.Rows[1][1] != "grace" {
		t.Fatalf("rows = %#v", result.Rows)
	}
}

func TestExecuteMarksTruncatedResults(t *testing.T) {
	path := writeDatabase(t, t.TempDir())
	engine := NewEngine(Config{Path: path, DefaultRowLimit: 10, MaxRowLimit: 100}, nil)

	result, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT id FROM users ORDER BY id", RowLimit: 2})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 2 || !result.Truncated || result.RowLimit != 2 {
		t.Fatalf("result = %+v", result)
	}

	result, err = engine.Execute(context.Background(), query.Request{SQL: "SELECT id FROM users", RowLimit: 3})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 3 || result.Truncated {
		t.Fatalf("exact fit result = %+v", result)
	}
}

func TestExecuteCannotWrite(t *testing.T) {
	path := writeDatabase(t, t.TempDir())
	engine := NewEngine(Config{Path: path}, nil)

	if _, err := engine.Execute(context.Background(), query.Request{SQL: "DELETE FROM users"}); err == nil {
		t.Fatal("expected write statement to fail")
	}
	result, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT COUNT(*) FROM users"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Rows[0][0] != int64(3) {
		t.Fatalf("count = %#v", result.Rows[0][0])
	}
}

func TestExecuteRequiresSQL(t *testing.T) {
	engine := NewEngine(Config{}, nil)
	if _, err := engine.Execute(context.Background(), query.Request{SQL: " ; "}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRowLimitClamps(t *testing.T) {
	engine := NewEngine(Config{DefaultRowLimit: 1000, MaxRowLimit: 10000}, nil)
	cases := map[int]int{0: 1000, -5: 1000, 50: 50, 10000: 10000, 50000: 10000}
	for requested, want := range cases {
		if got := engine.RowLimit(requested); got != want {
			t.Fatalf("RowLimit(%d) = %d, want %d", requested, got, want)
		}
	}
}

func TestParseViews(t *testing.T) {
	views, err := ParseViews(" events=/data/e1.parquet|/data/e2.parquet , feedback=/archive/*.parquet,")
	if err != nil {
		t.Fatalf("ParseViews() error = %v", err)
	}
	want := map[string][]string{
		"events":   {"/data/e1.parquet", "/data/e2.parquet"},
		"feedback": {"/archive/*.parquet"},
	}
	if !reflect.DeepEqual(views, want) {
		t.Fatalf("views = %v", views)
	}
	for _, spec := range []string{"events", "=x.parquet", "events= | "} {
		if _, err := ParseViews(spec); err == nil {
			t.Fatalf("ParseViews(%q) expected error", spec)
		}
	}
}
