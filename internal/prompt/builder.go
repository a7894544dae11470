// Package prompt assembles the text sent to the model. Output depends only on
// the Input and the Builder configuration, so identical requests produce
// byte-identical prompts.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/validator"
)

type dialect struct {
	name string
	hint string
}

var dialects = map[string]dialect{
	"mysql":    {name: "MySQL", hint: "Quote identifiers with backticks only when required."},
	"postgres": {name: "PostgreSQL", hint: "Quote identifiers with double quotes only when required."},
	"duckdb":   {name: "DuckDB", hint: "DuckDB uses PostgreSQL-like syntax."},
	"sqlite":   {name: "SQLite", hint: "Use only functions available in SQLite."},
	"ansi":     {name: "ANSI", hint: "Use portable ANSI SQL."},
}

// Dialects lists the accepted dialect keys.
func Dialects() []string {
	out := make([]string, 0, len(dialects))
	for key := range dialects {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

type Config struct {
	// Dialect selects the SQL flavour named in the role header. Defaults to duckdb.
	Dialect  string
	Synonyms map[string]string
}

type Input struct {
	Question  string
	Fragments []schema.Fragment
	Examples  []schema.Example
	Level     validator.Level
	// Rejections holds the findings of the previous attempt; empty on the
	// first attempt.
	Rejections []validator.Finding
	// Previous is the SQL text that was rejected, if any.
	Previous string
}

type Builder struct {
	dialect  dialect
	synonyms [][2]string
}

func New(cfg Config) (*Builder, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Dialect))
	if key == "" {
		key = "duckdb"
	}
	d, ok := dialects[key]
	if !ok {
		return nil, fmt.Errorf("unknown sql dialect %q (expected one of %s)", cfg.Dialect, strings.Join(Dialects(), ", "))
	}
	return &Builder{
		dialect:  d,
		synonyms: schema.Corpus{Synonyms: cfg.Synonyms}.SortedSynonyms(),
	}, nil
}

func (b *Builder) Build(in Input) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are an expert %s SQL analyst. Write one read-only SELECT query that answers the question using only the tables listed below.\n", b.dialect.name)
	sb.WriteString(b.dialect.hint)
	sb.WriteString("\n")

	if len(b.synonyms) > 0 {
		sb.WriteString("\n## Glossary\n")
		for _, pair := range b.synonyms {
			fmt.Fprintf(&sb, "- %s: %s\n", pair[0], pair[1])
		}
	}

	sb.WriteString("\n## Tables\n")
	if len(in.Fragments) == 0 {
		sb.WriteString("No table definitions matched this question. Answer only if the question can be resolved without guessing table names.\n")
	}
	for _, fragment := range in.Fragments {
		fmt.Fprintf(&sb, "-- %s\n%s\n", fragment.Name, terminate(fragment.Definition))
	}

	if len(in.Examples) > 0 {
		sb.WriteString("\n## Examples\n")
		for _, example := range in.Examples {
			fmt.Fprintf(&sb, "Question: %s\nSQL:\n%s\n\n", strings.TrimSpace(example.Question), terminate(example.SQL))
		}
	}

	if len(in.Rejections) > 0 {
		sb.WriteString("\n## Previous attempt\n")
		if previous := strings.TrimSpace(in.Previous); previous != "" {
			fmt.Fprintf(&sb, "SQL:\n%s\n", previous)
		}
		sb.WriteString("The previous attempt was rejected because:\n")
		for _, finding := range in.Rejections {
			fmt.Fprintf(&sb, "- %s\n", finding)
		}
		sb.WriteString("Write a corrected query that avoids every problem above.\n")
	}

	fmt.Fprintf(&sb, "\n## Question\n%s\n", strings.TrimSpace(in.Question))

	sb.WriteString("\n## Output\n")
	sb.WriteString("Return only the SQL statement. Do not use markdown and do not explain the query.\n")
	sb.WriteString("Never modify data or schema.\n")
	if in.Level >= validator.LevelStrict {
		sb.WriteString("List every selected column explicitly (no SELECT *) and bound the result with a LIMIT clause.\n")
	}
	return sb.String()
}

// BuildExplanation asks for a short plain-language description of sqlText.
func (b *Builder) BuildExplanation(question, sqlText string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are an expert %s SQL analyst.\n", b.dialect.name)
	fmt.Fprintf(&sb, "\n## Question\n%s\n", strings.TrimSpace(question))
	fmt.Fprintf(&sb, "\n## SQL\n%s\n", strings.TrimSpace(sqlText))
	sb.WriteString("\n## Output\nExplain in two or three plain sentences what the SQL returns and how it answers the question. Do not repeat the SQL.\n")
	return sb.String()
}

func terminate(sqlText string) string {
	sqlText = strings.TrimSpace(sqlText)
	if sqlText == "" || strings.HasSuffix(sqlText, ";") {
		return sqlText
	}
	return sqlText + ";"
}
