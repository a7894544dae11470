package schema

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Corpus is the file form of the schema context: table definitions, the
// pattern corpus with optional worked SQL, the synonym glossary and column
// cardinality hints.
type Corpus struct {
	Tables      []CorpusTable     `yaml:"tables"`
	Patterns    []CorpusPattern   `yaml:"patterns"`
	Synonyms    map[string]string `yaml:"synonyms"`
	Cardinality map[string]int    `yaml:"cardinality"`
}

type CorpusTable struct {
	Name       string `yaml:"name"`
	Definition string `yaml:"definition"`
}

type CorpusPattern struct {
	Question string   `yaml:"question"`
	Tables   []string `yaml:"tables"`
	SQL      string   `yaml:"sql"`
}

func LoadCorpusFile(path string) (Corpus, error) {
	file, err := os.Open(path)
	if err != nil {
		return Corpus{}, fmt.Errorf("open corpus %q: %w", path, err)
	}
	defer func() { _ = file.Close() }()
	return DecodeCorpus(file)
}

func DecodeCorpus(r io.Reader) (Corpus, error) {
	var corpus Corpus
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&corpus); err != nil {
		return Corpus{}, fmt.Errorf("decode corpus: %w", err)
	}
	if err := corpus.Validate(); err != nil {
		return Corpus{}, err
	}
	return corpus, nil
}

func (c Corpus) Validate() error {
	seen := map[string]struct{}{}
	for i, table := range c.Tables {
		name := NormalizeTableName(table.Name)
		if name == "" {
			return fmt.Errorf("corpus table %d: name is required", i)
		}
		if strings.TrimSpace(table.Definition) == "" {
			return fmt.Errorf("corpus table %q: definition is required", table.Name)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("corpus table %q: duplicate name", table.Name)
		}
		seen[name] = struct{}{}
	}
	for i, pattern := range c.Patterns {
		if strings.TrimSpace(pattern.Question) == "" {
			return fmt.Errorf("corpus pattern %d: question is required", i)
		}
		if len(pattern.Tables) == 0 {
			return fmt.Errorf("corpus pattern %q: at least one table is required", pattern.Question)
		}
	}
	return nil
}

// SortedSynonyms returns the glossary as term/target pairs ordered by term.
func (c Corpus) SortedSynonyms() [][2]string {
	terms := make([]string, 0, len(c.Synonyms))
	for term := range c.Synonyms {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	out := make([][2]string, 0, len(terms))
	for _, term := range terms {
		out = append(out, [2]string{term, c.Synonyms[term]})
	}
	return out
}
