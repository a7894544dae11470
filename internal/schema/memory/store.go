// Package memory holds the schema context in process, loaded once from a corpus.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/embedding"
	"github.com/sqlpilot/sqlpilot/internal/schema"
)

type pattern struct {
	question string
	tables   []string
	example  *schema.Example
	vector   []float32
}

type Store struct {
	embedder    embedding.Embedder
	definitions map[string]string
	patterns    []pattern
	cardinality map[string]int
}

// New embeds every corpus pattern up front. The returned store is read-only.
func New(ctx context.Context, corpus schema.Corpus, embedder embedding.Embedder) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if err := corpus.Validate(); err != nil {
		return nil, err
	}

	store := &Store{
		embedder:    embedder,
		definitions: make(map[string]string, len(corpus.Tables)),
		patterns:    make([]pattern, 0, len(corpus.Patterns)),
		cardinality: make(map[string]int, len(corpus.Cardinality)),
	}
	for _, table := range corpus.Tables {
		store.definitions[schema.NormalizeTableName(table.Name)] = strings.TrimSpace(table.Definition)
	}
	for key, value := range corpus.Cardinality {
		store.cardinality[strings.ToLower(key)] = value
	}
	for _, item := range corpus.Patterns {
		vector, err := embedder.Embed(ctx, item.Question)
		if err != nil {
			return nil, fmt.Errorf("embed pattern %q: %w", item.Question, err)
		}
		p := pattern{question: item.Question, tables: item.Tables, vector: vector}
		if strings.TrimSpace(item.SQL) != "" {
			p.example = &schema.Example{Question: item.Question, SQL: strings.TrimSpace(item.SQL)}
		}
		store.patterns = append(store.patterns, p)
	}
	return store, nil
}

func (s *Store) LookupDefinition(_ context.Context, tableName string) (string, error) {
	definition, ok := s.definitions[schema.NormalizeTableName(tableName)]
	if !ok {
		return "", schema.ErrNotFound
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

	matches := make([]schema.PatternMatch, 0, len(s.patterns))
	for _, p := range s.patterns {
		matches = append(matches, schema.PatternMatch{
			Pattern: p.question,
			Tables:  append([]string(nil), p.tables...),
			Score:   embedding.Cosine(query, p.vector),
			Example: p.example,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *Store) CardinalityHints(_ context.Context, tables []string) (map[string]int, error) {
	wanted := make(map[string]struct{}, len(tables))
	for _, table := range tables {
		wanted[schema.NormalizeTableName(table)] = struct{}{}
	}
	out := map[string]int{}
	for key, value := range s.cardinality {
		table, _, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		if _, keep := wanted[table]; keep {
			out[key] = value
		}
	}
	return out, nil
}
