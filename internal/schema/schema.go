package schema

import (
	"context"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("schema: not found")

// Store is the read-only schema context source. LookupDefinition returns the
// authoritative table definition; SearchPatterns runs a similarity search over
// the pattern corpus and returns matches ordered by descending score.
type Store interface {
	LookupDefinition(ctx context.Context, tableName string) (string, error)
	SearchPatterns(ctx context.Context, text string, k int) ([]PatternMatch, error)
}

// HintProvider is implemented by stores that carry per-column cardinality hints.
type HintProvider interface {
	CardinalityHints(ctx context.Context, tables []string) (map[string]int, error)
}

type Fragment struct {
	Name       string  `json:"name"`
	Definition string  `json:"definition"`
	Score      float64 `json:"score"`
}

type Example struct {
	Question string `json:"question" yaml:"question"`
	SQL      string `json:"sql" yaml:"sql"`
}

type PatternMatch struct {
	Pattern string
	Tables  []string
	Score   float64
	Example *Example
}

// Columns returns the column names declared in the fragment's CREATE TABLE
// definition, in declaration order.
func (f Fragment) Columns() []string {
	return ParseColumns(f.Definition)
}

func NormalizeTableName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Trim(name, "`\"[]")
	return strings.ToLower(name)
}

// SplitTableNames parses a comma separated table list as stored next to a pattern.
func SplitTableNames(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
