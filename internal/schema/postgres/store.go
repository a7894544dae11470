package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/embedding"
	"github.com/sqlpilot/sqlpilot/internal/schema"
)

// Store reads table definitions and query patterns from Postgres. Pattern
// search uses the pgvector cosine distance operator.
type Store struct {
	db       *sql.DB
	embedder embedding.Embedder
}

func NewStore(db *sql.DB, embedder embedding.Embedder) *Store {
	return &Store{db: db, embedder: embedder}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping schema store db: %w", err)
	}
	return nil
}

func (s *Store) LookupDefinition(ctx context.Context, tableName string) (string, error) {
	query := `
SELECT definition
FROM sqlpilot_schema_tables
WHERE table_name = $1`

	var definition string
	if err := s.db.QueryRowContext(ctx, query, schema.NormalizeTableName(tableName)).Scan(&definition); err != nil {
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
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	query := `
SELECT question, table_names, COALESCE(example_sql, ''), 1 - (embedding <=> $1::vector) AS similarity
FROM sqlpilot_query_patterns
ORDER BY embedding <=> $1::vector, pattern_id
LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, VectorLiteral(vector), k)
	if err != nil {
		return nil, fmt.Errorf("search query patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []schema.PatternMatch
	for rows.Next() {
		var (
			question   string
			tableNames string
			exampleSQL string
			match      schema.PatternMatch
		)
		if err := rows.Scan(&question, &tableNames, &exampleSQL, &match.Score); err != nil {
			return nil, fmt.Errorf("scan query pattern: %w", err)
		}
		match.Pattern = question
		match.Tables = schema.SplitTableNames(tableNames)
		if strings.TrimSpace(exampleSQL) != "" {
			match.Example = &schema.Example{Question: question, SQL: exampleSQL}
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query patterns: %w", err)
	}
	return matches, nil
}

func (s *Store) CardinalityHints(ctx context.Context, tables []string) (map[string]int, error) {
	names := make([]string, 0, len(tables))
	for _, table := range tables {
		names = append(names, schema.NormalizeTableName(table))
	}

	query := `
SELECT table_name, column_name, distinct_count
FROM sqlpilot_column_stats
WHERE table_name = ANY(string_to_array($1, ','))`

	rows, err := s.db.QueryContext(ctx, query, strings.Join(names, ","))
	if err != nil {
		return nil, fmt.Errorf("query column stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hints := map[string]int{}
	for rows.Next() {
		var (
			table, column string
			distinct      int
		)
		if err := rows.Scan(&table, &column, &distinct); err != nil {
			return nil, fmt.Errorf("scan column stats: %w", err)
		}
		hints[table+"."+strings.ToLower(column)] = distinct
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column stats: %w", err)
	}
	return hints, nil
}

// Seed loads a corpus into the store tables, replacing existing patterns.
func (s *Store) Seed(ctx context.Context, corpus schema.Corpus) error {
	if err := corpus.Validate(); err != nil {
		return err
	}

	vectors := make([]string, 0, len(corpus.Patterns))
	for _, pattern := range corpus.Patterns {
		vector, err := s.embedder.Embed(ctx, pattern.Question)
		if err != nil {
			return fmt.Errorf("embed pattern %q: %w", pattern.Question, err)
		}
		vectors = append(vectors, VectorLiteral(vector))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range corpus.Tables {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sqlpilot_schema_tables (table_name, definition)
VALUES ($1, $2)
ON CONFLICT (table_name)
DO UPDATE SET definition = EXCLUDED.definition, updated_at = NOW()`,
			schema.NormalizeTableName(table.Name), strings.TrimSpace(table.Definition)); err != nil {
			return fmt.Errorf("upsert table %q: %w", table.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlpilot_query_patterns`); err != nil {
		return fmt.Errorf("clear query patterns: %w", err)
	}
	for i, pattern := range corpus.Patterns {
		var exampleSQL any
		if strings.TrimSpace(pattern.SQL) != "" {
			exampleSQL = strings.TrimSpace(pattern.SQL)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sqlpilot_query_patterns (question, table_names, example_sql, embedding)
VALUES ($1, $2, $3, $4::vector)`,
			pattern.Question, strings.Join(pattern.Tables, ","), exampleSQL, vectors[i]); err != nil {
			return fmt.Errorf("insert pattern %q: %w", pattern.Question, err)
		}
	}

	for key, distinct := range corpus.Cardinality {
		table, column, ok := strings.Cut(strings.ToLower(key), ".")
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sqlpilot_column_stats (table_name, column_name, distinct_count)
VALUES ($1, $2, $3)
ON CONFLICT (table_name, column_name)
DO UPDATE SET distinct_count = EXCLUDED.distinct_count`, table, column, distinct); err != nil {
			return fmt.Errorf("upsert column stats %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// VectorLiteral formats a vector in pgvector's text input form.
func VectorLiteral(vector []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
