// Package retriever resolves a question into schema context in two stages:
// a similarity search over the pattern corpus picks table names, then each
// table's definition is read directly from the schema store.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sqlpilot/sqlpilot/internal/schema"
)

const (
	DefaultTopK            = 5
	DefaultSimilarityFloor = 0.25
	DefaultMaxExamples     = 2
)

type Config struct {
	SimilarityFloor float64
	MaxExamples     int
}

type Retrieval struct {
	Fragments []schema.Fragment
	Examples  []schema.Example
	// Tables lists the stage-one candidates, including any later dropped.
	Tables   []string
	Warnings []string
}

func (r Retrieval) Empty() bool {
	return len(r.Fragments) == 0
}

func (r Retrieval) TableNames() []string {
	names := make([]string, 0, len(r.Fragments))
	for _, fragment := range r.Fragments {
		names = append(names, fragment.Name)
	}
	return names
}

type Retriever struct {
	store  schema.Store
	cfg    Config
	logger *slog.Logger
}

func New(store schema.Store, cfg Config, logger *slog.Logger) *Retriever {
	if cfg.MaxExamples <= 0 {
		cfg.MaxExamples = DefaultMaxExamples
	}
	if cfg.SimilarityFloor < 0 {
		cfg.SimilarityFloor = 0
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Retriever{store: store, cfg: cfg, logger: logger}
}

func (r *Retriever) Retrieve(ctx context.Context, question string, topK int) (Retrieval, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	matches, err := r.store.SearchPatterns(ctx, question, topK)
	if err != nil {
		return Retrieval{}, fmt.Errorf("search patterns: %w", err)
	}

	kept := make([]schema.PatternMatch, 0, len(matches))
	for _, match := range matches {
		if match.Score >= r.cfg.SimilarityFloor {
			kept = append(kept, match)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].Pattern < kept[j].Pattern
	})

	var out Retrieval
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, match := range kept {
		for _, table := range match.Tables {
			key := schema.NormalizeTableName(table)
			if key == "" || seen.Contains(key) {
				continue
			}
			seen.Add(key)
			out.Tables = append(out.Tables, table)
		}
		if match.Example != nil && len(out.Examples) < r.cfg.MaxExamples {
			out.Examples = append(out.Examples, *match.Example)
		}
	}

	scores := bestScores(kept)
	for _, table := range out.Tables {
		definition, err := r.store.LookupDefinition(ctx, table)
		if err != nil {
			if errors.Is(err, schema.ErrNotFound) {
				r.logger.WarnContext(ctx, "table definition missing", slog.String("table", table))
				out.Warnings = append(out.Warnings, fmt.Sprintf("table %q has no definition in the schema store", table))
				continue
			}
			return Retrieval{}, fmt.Errorf("lookup definition %q: %w", table, err)
		}
		out.Fragments = append(out.Fragments, schema.Fragment{
			Name:       table,
			Definition: definition,
			Score:      scores[schema.NormalizeTableName(table)],
		})
	}

	r.logger.DebugContext(ctx, "schema context retrieved",
		slog.Int("patterns", len(kept)),
		slog.Int("tables", len(out.Fragments)),
		slog.Int("examples", len(out.Examples)),
	)
	return out, nil
}

func bestScores(matches []schema.PatternMatch) map[string]float64 {
	scores := map[string]float64{}
	for _, match := range matches {
		for _, table := range match.Tables {
			key := schema.NormalizeTableName(table)
			if current, ok := scores[key]; !ok || match.Score > current {
				scores[key] = match.Score
			}
		}
	}
	return scores
}
