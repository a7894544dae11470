package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/validator"
)

func newBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := New(Config{
		Dialect: "mysql",
		Synonyms: map[string]string{
			"link":     "an account on an application",
			"identity": "a person",
		},
	})
	require.NoError(t, err)
	return b
}

func sampleInput() Input {
	return Input{
		Question: "  who owns application Workday ",
		Fragments: []schema.Fragment{
			{Name: "applications", Definition: "CREATE TABLE applications (id INT, name VARCHAR(128), owner INT)"},
			{Name: "accounts", Definition: "CREATE TABLE accounts (id INT, application INT);"},
		},
		Examples: []schema.Example{{Question: "how many applications", SQL: "SELECT COUNT(*) FROM applications"}},
		Level:    validator.LevelStandard,
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	b := newBuilder(t)
	first := b.Build(sampleInput())
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, b.Build(sampleInput()))
	}
}

func TestBuildSectionOrder(t *testing.T) {
	got := newBuilder(t).Build(sampleInput())

	markers := []string{
		"expert MySQL SQL analyst",
		"## Glossary",
		"- identity: a person",
		"- link: an account on an application",
		"## Tables",
		"-- applications\nCREATE TABLE applications (id INT, name VARCHAR(128), owner INT);",
		"-- accounts\nCREATE TABLE accounts (id INT, application INT);",
		"## Examples",
		"Question: how many applications\nSQL:\nSELECT COUNT(*) FROM applications;",
		"## Question\nwho owns application Workday\n",
		"## Output",
	}
	last := -1
	for _, marker := range markers {
		idx := strings.Index(got, marker)
		require.GreaterOrEqual(t, idx, 0, "missing %q in:\n%s", marker, got)
		assert.Greater(t, idx, last, "%q out of order", marker)
		last = idx
	}
	assert.NotContains(t, got, "## Previous attempt")
	assert.NotContains(t, got, "LIMIT clause")
}

func TestBuildRepairIncludesFindings(t *testing.T) {
	in := sampleInput()
	in.Previous = "SELECT * FROM applications; DROP TABLE applications"
	in.Rejections = validator.Validate(in.Previous, validator.LevelStandard).Findings
	require.NotEmpty(t, in.Rejections)

	got := newBuilder(t).Build(in)

	assert.Contains(t, got, "The previous attempt was rejected because:\n- ")
	assert.Contains(t, got, `near "DROP"`)
	assert.Less(t, strings.Index(got, "## Previous attempt"), strings.Index(got, "## Question"))
}

func TestBuildStrictAddsRequirements(t *testing.T) {
	in := sampleInput()
	in.Level = validator.LevelStrict
	got := newBuilder(t).Build(in)
	assert.Contains(t, got, "bound the result with a LIMIT clause")
}

func TestBuildWithoutFragments(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)

	got := b.Build(Input{Question: "anything"})
	assert.Contains(t, got, "expert DuckDB SQL analyst")
	assert.Contains(t, got, "No table definitions matched")
	assert.NotContains(t, got, "## Glossary")
	assert.NotContains(t, got, "## Examples")
}

func TestNewRejectsUnknownDialect(t *testing.T) {
	_, err := New(Config{Dialect: "oracle"})
	assert.ErrorContains(t, err, "unknown sql dialect")
}

func TestBuildExplanation(t *testing.T) {
	got := newBuilder(t).BuildExplanation("who owns Workday", "SELECT owner FROM applications LIMIT 1")
	assert.Contains(t, got, "## SQL\nSELECT owner FROM applications LIMIT 1\n")
	assert.Contains(t, got, "Do not repeat the SQL")
}
