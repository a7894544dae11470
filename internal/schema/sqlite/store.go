// Package sqlite keeps the schema context in a single embedded database file.
// Pattern vectors are stored as JSON and scored in process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/sqlpilot/sqlpilot/internal/embedding"
	"github.com/sqlpilot/sqlpilot/internal/schema"
)

const ddl = `
CREATE TABLE IF NOT EXISTS schema_tables (
	table_name TEXT PRIMARY KEY,
	definition TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS query_patterns (
	pattern_id INTEGER PRIMARY KEY AUTOINCREMENT,
	question TEXT NOT NULL,
	table_names TEXT NOT NULL,
	example_sql TEXT NOT NULL DEFAULT '',
	embedding TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS column_stats (
	table_name TEXT NOT NULL,
	column_name TEXT NOT NULL,
	distinct_count INTEGER NOT NULL,
	PRIMARY KEY (table_name, column_name)
);`

type Store struct {
	db       *sql.DB
	embedder embedding.Embedder
}

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string, embedder embedding.Embedder) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return &Store{db: db, embedder: embedder}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite store: %w", err)
	}
	return nil
}

func (s *Store) LookupDefinition(ctx context.Context, tableName string) (string, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM schema_tables WHERE table_name = ?`,
		schema.NormalizeTableName(tableName)).Scan(&definition)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", schema.ErrNotFound
		}
		return "", fmt.Errorf("lookup table definition: %w", err)
	}
	return definition, nil
}

func (s *Store) SearchPatterns(ctx context.Context, text string, k int) ([]schema.PatternMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	query, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT question, table_names, example_sql, embedding
FROM query_patterns
ORDER BY pattern_id`)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []schema.PatternMatch
	for rows.Next() {
		var question, tableNames, exampleSQL, rawVector string
		if err := rows.Scan(&question, &tableNames, &exampleSQL, &rawVector); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		var vector []float32
		if err := json.Unmarshal([]byte(rawVector), &vector); err != nil {
			return nil, fmt.Errorf("decode pattern embedding %q: %w", question, err)
		}
		match := schema.PatternMatch{
			Pattern: question,
			Tables:  schema.SplitTableNames(tableNames),
			Score:   embedding.Cosine(query, vector),
		}
		if exampleSQL != "" {
			match.Example = &schema.Example{Question: question, SQL: exampleSQL}
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *Store) CardinalityHints(ctx context.Context, tables []string) (map[string]int, error) {
	hints := map[string]int{}
	for _, table := range tables {
		name := schema.NormalizeTableName(table)
		rows, err := s.db.QueryContext(ctx, `SELECT column_name, distinct_count FROM column_stats WHERE table_name = ?`, name)
		if err != nil {
			return nil, fmt.Errorf("query column stats: %w", err)
		}
		for rows.Next() {
			var column string
			var distinct int
			if err := rows.Scan(&column, &distinct); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan column stats: %w", err)
			}
			hints[name+"."+strings.ToLower(column)] = distinct
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("iterate column stats: %w", err)
		}
		_ = rows.Close()
	}
	return hints, nil
}

// Seed replaces the stored corpus.
func (s *Store) Seed(ctx context.Context, corpus schema.Corpus) error {
	if err := corpus.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{`DELETE FROM schema_tables`, `DELETE FROM query_patterns`, `DELETE FROM column_stats`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear store: %w", err)
		}
	}
	for _, table := range corpus.Tables {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_tables (table_name, definition) VALUES (?, ?)`,
			schema.NormalizeTableName(table.Name), strings.TrimSpace(table.Definition)); err != nil {
			return fmt.Errorf("insert table %q: %w", table.Name, err)
		}
	}
	for _, pattern := range corpus.Patterns {
		vector, err := s.embedder.Embed(ctx, pattern.Question)
		if err != nil {
			return fmt.Errorf("embed pattern %q: %w", pattern.Question, err)
		}
		rawVector, err := json.Marshal(vector)
		if err != nil {
			return fmt.Errorf("encode pattern embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO query_patterns (question, table_names, example_sql, embedding) VALUES (?, ?, ?, ?)`,
			pattern.Question, strings.Join(pattern.Tables, ","), strings.TrimSpace(pattern.SQL), string(rawVector)); err != nil {
			return fmt.Errorf("insert pattern %q: %w", pattern.Question, err)
		}
	}
	for key, distinct := range corpus.Cardinality {
		table, column, ok := strings.Cut(strings.ToLower(key), ".")
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO column_stats (table_name, column_name, distinct_count) VALUES (?, ?, ?)`,
			table, column, distinct); err != nil {
			return fmt.Errorf("insert column stats %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
