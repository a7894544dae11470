package retriever

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/sqlpilot/sqlpilot/internal/embedding"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/schema/memory"
)

type stubStore struct {
	matches     []schema.PatternMatch
	definitions map[string]string
	lookups     []string
	lookupErr   error
}

func (s *stubStore) LookupDefinition(_ context.Context, table string) (string, error) {
	s.lookups = append(s.lookups, table)
	if s.lookupErr != nil {
		return "", s.lookupErr
	}
	definition, ok := s.definitions[table]
	if !ok {
		return "", schema.ErrNotFound
	}
	return definition, nil
}

func (s *stubStore) SearchPatterns(context.Context, string, int) ([]schema.PatternMatch, error) {
	return s.matches, nil
}

func TestRetrieveWorkdayOwnership(t *testing.T) {
	corpus := schema.Corpus{
		Tables: []schema.CorpusTable{
			{Name: "applications", Definition: "CREATE TABLE applications (id INT, name VARCHAR(128), owner INT)"},
			{Name: "accounts", Definition: "CREATE TABLE accounts (id INT, application INT, identity_id INT)"},
			{Name: "identities", Definition: "CREATE TABLE identities (id INT, email VARCHAR(128))"},
		},
		Patterns: []schema.CorpusPattern{
			{Question: "who owns application Workday", Tables: []string{"applications", "accounts"}},
			{Question: "email address of identity", Tables: []string{"identities"}},
		},
	}
	store, err := memory.New(context.Background(), corpus, embedding.NewHashEmbedder(256))
	if err != nil {
		t.Fatalf("memory.New() error = %v", err)
	}

	r := New(store, Config{SimilarityFloor: 0.5}, nil)
	got, err := r.Retrieve(context.Background(), "who owns application Workday", 5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}

	if want := []string{"applications", "accounts"}; !reflect.DeepEqual(got.TableNames(), want) {
		t.Fatalf("tables = %v, want %v", got.TableNames(), want)
	}
	for _, fragment := range got.Fragments {
		if !strings.HasPrefix(fragment.Definition, "CREATE TABLE "+fragment.Name+" (") {
			t.Fatalf("definition for %s = %q", fragment.Name, fragment.Definition)
		}
	}
}

func TestRetrieveDedupesPreservingScoreOrder(t *testing.T) {
	store := &stubStore{
		matches: []schema.PatternMatch{
			{Pattern: "b", Tables: []string{"accounts", "users"}, Score: 0.6},
			{Pattern: "a", Tables: []string{"applications", "Accounts"}, Score: 0.9},
			{Pattern: "c", Tables: []string{"groups"}, Score: 0.6},
		},
		definitions: map[string]string{
			"applications": "d1", "Accounts": "d2", "accounts": "d2", "users": "d3", "groups": "d4",
		},
	}

	r := New(store, Config{}, nil)
	first, err := r.Retrieve(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	want := []string{"applications", "Accounts", "users", "groups"}
	if !reflect.DeepEqual(first.Tables, want) {
		t.Fatalf("tables = %v, want %v", first.Tables, want)
	}

	for i := 0; i < 3; i++ {
		again, err := r.Retrieve(context.Background(), "q", 5)
		if err != nil {
			t.Fatalf("Retrieve() error = %v", err)
		}
		if !reflect.DeepEqual(again.Tables, first.Tables) {
			t.Fatalf("run %d tables = %v, want %v", i, again.Tables, first.Tables)
		}
	}
}

func TestRetrieveBelowFloorIsEmpty(t *testing.T) {
	store := &stubStore{
		matches: []schema.PatternMatch{{Pattern: "x", Tables: []string{"users"}, Score: 0.1}},
	}
	r := New(store, Config{SimilarityFloor: 0.25}, nil)
	got, err := r.Retrieve(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !got.Empty() {
		t.Fatalf("expected empty retrieval, got %+v", got)
	}
	if len(store.lookups) != 0 {
		t.Fatalf("unexpected lookups: %v", store.lookups)
	}
}

func TestRetrieveDropsMissingDefinitions(t *testing.T) {
	store := &stubStore{
		matches:     []schema.PatternMatch{{Pattern: "x", Tables: []string{"users", "ghost"}, Score: 0.8}},
		definitions: map[string]string{"users": "CREATE TABLE users (id INT)"},
	}
	r := New(store, Config{}, nil)
	got, err := r.Retrieve(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !reflect.DeepEqual(got.TableNames(), []string{"users"}) {
		t.Fatalf("tables = %v", got.TableNames())
	}
	if len(got.Warnings) != 1 || !strings.Contains(got.Warnings[0], "ghost") {
		t.Fatalf("warnings = %v", got.Warnings)
	}
}

func TestRetrieveFailsOnStoreError(t *testing.T) {
	store := &stubStore{
		matches:   []schema.PatternMatch{{Pattern: "x", Tables: []string{"users"}, Score: 0.8}},
		lookupErr: errors.New("connection reset"),
	}
	r := New(store, Config{}, nil)
	if _, err := r.Retrieve(context.Background(), "q", 5); err == nil {
		t.Fatal("expected store error")
	}
}

func TestRetrieveCapsExamples(t *testing.T) {
	store := &stubStore{
		matches: []schema.PatternMatch{
			{Pattern: "a", Tables: []string{"t"}, Score: 0.9, Example: &schema.Example{Question: "a", SQL: "SELECT 1"}},
			{Pattern: "b", Tables: []string{"t"}, Score: 0.8, Example: &schema.Example{Question: "b", SQL: "SELECT 2"}},
			{Pattern: "c", Tables: []string{"t"}, Score: 0.7, Example: &schema.Example{Question: "c", SQL: "SELECT 3"}},
		},
		definitions: map[string]string{"t": "CREATE TABLE t (id INT)"},
	}
	r := New(store, Config{MaxExamples: 2}, nil)
	got, err := r.Retrieve(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got.Examples) != 2 || got.Examples[0].Question != "a" || got.Examples[1].Question != "b" {
		t.Fatalf("examples = %+v", got.Examples)
	}
}
