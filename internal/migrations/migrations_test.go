package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/000002_two.up.sql":   {Data: []byte("CREATE TABLE two (id INT);")},
		"sql/000002_two.down.sql": {Data: []byte("DROP TABLE two;")},
		"sql/000001_one.up.sql":   {Data: []byte("CREATE TABLE one (id INT);")},
		"sql/000001_one.down.sql": {Data: []byte("DROP TABLE one;")},
		"sql/README.md":           {Data: []byte("ignored")},
	}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func checksumOf(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

// expectLedger expects the ledger bootstrap and read. applied maps version
// to the checksum stored for it.
func expectLedger(mock sqlmock.Sqlmock, applied map[int64]string) {
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS sqlpilot_schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"version", "checksum", "applied_at"})
	for version, checksum := range applied {
		rows.AddRow(version, checksum, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, checksum, applied_at FROM sqlpilot_schema_migrations")).WillReturnRows(rows)
}

var (
	checksumOne = checksumOf("CREATE TABLE one (id INT);")
	checksumTwo = checksumOf("CREATE TABLE two (id INT);")
)

func TestLoadMigrationsSortsAndPairsUpDown(t *testing.T) {
	items, err := loadMigrations(testFS())
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d", len(items))
	}
	if items[0].Version != 1 || items[1].Version != 2 || items[0].Name != "one" {
		t.Fatalf("unexpected migration order: %+v", items)
	}
	if items[1].Checksum != checksumTwo {
		t.Fatalf("checksum = %q", items[1].Checksum)
	}
}

func TestLoadMigrationsErrorsWhenDownMissing(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/000001_one.up.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := loadMigrations(fsys)
	if err == nil || !strings.Contains(err.Error(), "missing down SQL") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEmbeddedMigrationsDefineStoreTables(t *testing.T) {
	items, err := loadMigrations(embeddedFS)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	var all strings.Builder
	for _, item := range items {
		all.WriteString(item.UpSQL)
	}
	for _, snippet := range []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		"CREATE TABLE sqlpilot_schema_tables",
		"CREATE TABLE sqlpilot_query_patterns",
		"embedding vector NOT NULL",
		"CREATE TABLE sqlpilot_column_stats",
		"CREATE TABLE sqlpilot_feedback",
		"CREATE INDEX idx_sqlpilot_feedback_outcome_created",
	} {
		if !strings.Contains(all.String(), snippet) {
			t.Fatalf("migrations missing %q", snippet)
		}
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock := newSQLMock(t)
	runner := &Runner{fsys: testFS()}

	expectLedger(mock, map[int64]string{1: checksumOne})
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE two (id INT);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sqlpilot_schema_migrations (version, name, checksum) VALUES ($1, $2, $3)")).
		WithArgs(int64(2), "two", checksumTwo).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := runner.Up(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	assertSQLMock(t, mock)
}

func TestUpHonoursSteps(t *testing.T) {
	db, mock := newSQLMock(t)
	runner := &Runner{fsys: testFS()}

	expectLedger(mock, nil)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE one (id INT);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sqlpilot_schema_migrations")).
		WithArgs(int64(1), "one", checksumOne).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := runner.Up(context.Background(), db, 1)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	assertSQLMock(t, mock)
}

func TestDownRollsBackLatestAndStopsOnFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	runner := &Runner{fsys: testFS()}

	expectLedger(mock, map[int64]string{1: checksumOne, 2: checksumTwo})
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE two;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM sqlpilot_schema_migrations WHERE version = $1")).
		WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE one;")).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	rolledBack, err := runner.Down(context.Background(), db, 2)
	if err == nil || !strings.Contains(err.Error(), "rollback migration 1") {
		t.Fatalf("Down() error = %v", err)
	}
	if rolledBack != 1 {
		t.Fatalf("rolled back = %d, want 1", rolledBack)
	}
	assertSQLMock(t, mock)
}

func TestStatusReportsAppliedState(t *testing.T) {
	db, mock := newSQLMock(t)
	runner := &Runner{fsys: testFS()}

	expectLedger(mock, map[int64]string{1: checksumOne})
	statuses, err := runner.Status(context.Background(), db)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(statuses) != 2 || !statuses[0].Applied || statuses[0].Drifted || statuses[1].Applied || statuses[1].Name != "two" {
		t.Fatalf("statuses = %+v", statuses)
	}
	if statuses[0].AppliedAt.IsZero() {
		t.Fatal("expected applied_at for version 1")
	}
	assertSQLMock(t, mock)
}

func TestStatusFlagsEditedScripts(t *testing.T) {
	db, mock := newSQLMock(t)
	runner := &Runner{fsys: testFS()}

	expectLedger(mock, map[int64]string{1: checksumOf("CREATE TABLE one (id BIGINT);"), 2: checksumTwo})
	statuses, err := runner.Status(context.Background(), db)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !statuses[0].Drifted || statuses[1].Drifted {
		t.Fatalf("statuses = %+v", statuses)
	}
	assertSQLMock(t, mock)
}

func TestDownWithNothingAppliedIsNoop(t *testing.T) {
	db, mock := newSQLMock(t)
	runner := &Runner{fsys: testFS()}

	expectLedger(mock, nil)
	rolledBack, err := runner.Down(context.Background(), db, 3)
	if err != nil || rolledBack != 0 {
		t.Fatalf("Down() = %d, %v", rolledBack, err)
	}
	assertSQLMock(t, mock)
}
