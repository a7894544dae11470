// Package postgres stores feedback records in the sqlpilot_feedback table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/feedback"
)

type Sink struct {
	db *sql.DB
}

func NewSink(db *sql.DB) *Sink {
	return &Sink{db: db}
}

// Emit inserts the record. Re-emitting a record id is a no-op.
func (s *Sink) Emit(ctx context.Context, record feedback.Record) error {
	query := `
INSERT INTO sqlpilot_feedback (
	feedback_id, question, generated_sql, corrected_sql, outcome, notes,
	attempts, validation_level, table_names, created_at
) VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9, $10)
ON CONFLICT (feedback_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Question,
		record.SQL,
		record.CorrectedSQL,
		string(record.Outcome),
		record.Notes,
		record.Attempts,
		record.Level,
		strings.Join(record.Tables, ","),
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert feedback %s: %w", record.ID, err)
	}
	return nil
}

// CountByOutcome returns the number of stored records per outcome.
func (s *Sink) CountByOutcome(ctx context.Context) (map[feedback.Outcome]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT outcome, COUNT(*)
FROM sqlpilot_feedback
GROUP BY outcome
ORDER BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[feedback.Outcome]int64{}
	for rows.Next() {
		var (
			outcome string
			count   int64
		)
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("scan feedback count: %w", err)
		}
		counts[feedback.Outcome(outcome)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback counts: %w", err)
	}
	return counts, nil
}
