package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sqlpilot/sqlpilot/internal/embedding"
	"github.com/sqlpilot/sqlpilot/internal/schema"
)

const corpusYAML = `
tables:
  - name: applications
    definition: |
      CREATE TABLE applications (id INT PRIMARY KEY, name VARCHAR(128), owner_id INT)
  - name: accounts
    definition: |
      CREATE TABLE accounts (id INT PRIMARY KEY, identity_id INT, application_id INT)
patterns:
  - question: who owns application Workday
    tables: [applications, accounts]
    sql: SELECT a.owner_id FROM applications a WHERE a.name = 'Workday'
  - question: list accounts for an application
    tables: [accounts]
cardinality:
  applications.name: 400
  accounts.identity_id: 90000
  users.id: 10
`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	corpus, err := schema.DecodeCorpus(strings.NewReader(corpusYAML))
	if err != nil {
		t.Fatalf("DecodeCorpus() error = %v", err)
	}
	store, err := New(context.Background(), corpus, embedding.NewHashEmbedder(128))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store
}

func TestLookupDefinition(t *testing.T) {
	store := newTestStore(t)

	definition, err := store.LookupDefinition(context.Background(), "Applications")
	if err != nil {
		t.Fatalf("LookupDefinition() error = %v", err)
	}
	if !strings.HasPrefix(definition, "CREATE TABLE applications") {
		t.Fatalf("definition = %q", definition)
	}

	_, err = store.LookupDefinition(context.Background(), "missing")
	if !errors.Is(err, schema.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSearchPatternsOrdersByScore(t *testing.T) {
	store := newTestStore(t)

	matches, err := store.SearchPatterns(context.Background(), "who owns application Workday", 5)
	if err != nil {
		t.Fatalf("SearchPatterns() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d", len(matches))
	}
	if matches[0].Pattern != "who owns application Workday" {
		t.Fatalf("top pattern = %q", matches[0].Pattern)
	}
	if matches[0].Score < matches[1].Score {
		t.Fatalf("scores not descending: %v, %v", matches[0].Score, matches[1].Score)
	}
	if matches[0].Example == nil {
		t.Fatal("expected worked example on top match")
	}
}

func TestSearchPatternsHonorsK(t *testing.T) {
	store := newTestStore(t)
	matches, err := store.SearchPatterns(context.Background(), "accounts", 1)
	if err != nil {
		t.Fatalf("SearchPatterns() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("len(matches) = %d", len(matches))
	}
}

func TestCardinalityHintsFiltersByTable(t *testing.T) {
	store := newTestStore(t)
	hints, err := store.CardinalityHints(context.Background(), []string{"applications", "accounts"})
	if err != nil {
		t.Fatalf("CardinalityHints() error = %v", err)
	}
	if len(hints) != 2 {
		t.Fatalf("hints = %v", hints)
	}
	if hints["applications.name"] != 400 {
		t.Fatalf("applications.name = %d", hints["applications.name"])
	}
}

func TestNewRejectsInvalidCorpus(t *testing.T) {
	_, err := New(context.Background(), schema.Corpus{
		Tables: []schema.CorpusTable{{Name: "x"}},
	}, embedding.NewHashEmbedder(8))
	if err == nil {
		t.Fatal("expected validation error")
	}
}
