// Package optimizer rewrites validated SQL. Standard rewrites are provably
// equivalent and applied; aggressive rules only produce advisory notes.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/sqllex"
)

type Level int

const (
	LevelNone Level = iota
	LevelStandard
	LevelAggressive
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelStandard:
		return "standard"
	case LevelAggressive:
		return "aggressive"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none", "off":
		return LevelNone, nil
	case "", "standard":
		return LevelStandard, nil
	case "aggressive":
		return LevelAggressive, nil
	default:
		return LevelStandard, fmt.Errorf("unknown optimization level %q", raw)
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

type NoteKind string

const (
	NoteAdvisory NoteKind = "advisory"
	// NoteSkipped marks a rewrite that was considered but not applied.
	NoteSkipped NoteKind = "optimization_skipped"
)

type Note struct {
	Kind    NoteKind `json:"kind"`
	Rule    string   `json:"rule"`
	Message string   `json:"message"`
}

// Hints carries schema knowledge the rewrites may use. Columns is keyed by
// table name, Cardinality by column name (optionally table qualified).
type Hints struct {
	Columns     map[string][]string
	Cardinality map[string]int
	RowLimit    int
}

type Report struct {
	SQL                  string   `json:"sql"`
	Level                Level    `json:"level"`
	Applied              []string `json:"applied"`
	Notes                []Note   `json:"notes"`
	EstimatedImprovement int      `json:"estimated_improvement"`
}

const (
	RuleExpandWildcard = "expand_wildcard"
	RuleSimplifyJoin   = "simplify_inner_join"
	RuleExistsSelect   = "exists_select_one"
	RuleAddLimit       = "add_limit"
	RuleNormalize      = "normalize_format"
)

const maxImprovement = 50

type rewrite struct {
	name  string
	gain  int
	apply func(q query, hints Hints) (string, bool)
}

// rewrites run in this order; each sees the output of the previous one.
var rewrites = []rewrite{
	{name: RuleExpandWildcard, gain: 10, apply: expandWildcard},
	{name: RuleSimplifyJoin, gain: 5, apply: simplifyJoin},
	{name: RuleExistsSelect, gain: 8, apply: existsSelectOne},
	{name: RuleAddLimit, gain: 12, apply: addLimit},
	{name: RuleNormalize, gain: 2, apply: normalize},
}

type Options struct {
	// InListThreshold is the IN list length above which aggressive mode
	// reports an advisory. Defaults to 10.
	InListThreshold int
}

type Optimizer struct {
	inListThreshold int
}

func New(opts Options) *Optimizer {
	threshold := opts.InListThreshold
	if threshold <= 0 {
		threshold = 10
	}
	return &Optimizer{inListThreshold: threshold}
}

var defaultOptimizer = New(Options{})

// Optimize runs the default optimizer.
func Optimize(sqlText string, level Level, hints Hints) Report {
	return defaultOptimizer.Optimize(sqlText, level, hints)
}

// Optimize applies the rewrites enabled at level. Running it again on
// Report.SQL at the same level applies nothing.
func (o *Optimizer) Optimize(sqlText string, level Level, hints Hints) Report {
	report := Report{SQL: sqlText, Level: level, Applied: []string{}, Notes: []Note{}}
	if level <= LevelNone {
		return report
	}

	q, err := parse(sqlText)
	if err != nil {
		report.Notes = append(report.Notes, Note{Kind: NoteSkipped, Rule: "parse", Message: err.Error()})
		return report
	}
	if n := len(sqllex.Statements(q.sig)); n != 1 {
		report.Notes = append(report.Notes, Note{
			Kind:    NoteSkipped,
			Rule:    "parse",
			Message: fmt.Sprintf("expected one statement, found %d", n),
		})
		return report
	}

	gain := 0
	for _, rw := range rewrites {
		out, ok := rw.apply(q, hints)
		if !ok || out == q.text {
			continue
		}
		next, err := parse(out)
		if err != nil {
			report.Notes = append(report.Notes, Note{Kind: NoteSkipped, Rule: rw.name, Message: err.Error()})
			continue
		}
		q = next
		report.Applied = append(report.Applied, rw.name)
		gain += rw.gain
	}
	report.SQL = q.text

	if level >= LevelAggressive {
		report.Notes = append(report.Notes, o.advise(q, hints)...)
	}
	report.EstimatedImprovement = min(gain, maxImprovement)
	return report
}

// query is one tokenized SQL text. sig holds the significant tokens, pos
// maps each of them back to its index in all.
type query struct {
	text  string
	all   []sqllex.Token
	sig   []sqllex.Token
	pos   []int
	depth []int
}

func parse(text string) (query, error) {
	all, err := sqllex.Tokenize(text)
	if err != nil {
		return query{}, err
	}
	q := query{text: text, all: all}
	for i, tok := range all {
		if tok.Kind == sqllex.KindUnterminated {
			return query{}, fmt.Errorf("unterminated token at offset %d", tok.Offset)
		}
		if tok.Kind == sqllex.KindWhitespace || tok.IsComment() {
			continue
		}
		q.sig = append(q.sig, tok)
		q.pos = append(q.pos, i)
	}
	if len(q.sig) == 0 {
		return query{}, fmt.Errorf("empty query")
	}
	q.depth = sqllex.Depths(q.sig)
	return q, nil
}

func (q query) at(i int) sqllex.Token {
	if i < 0 || i >= len(q.sig) {
		return sqllex.Token{Kind: sqllex.KindOther}
	}
	return q.sig[i]
}

// topLevel reports whether any depth-0 keyword in q is one of kws.
func (q query) topLevel(kws ...string) bool {
	for i, tok := range q.sig {
		if q.depth[i] != 0 || tok.Kind != sqllex.KindIdent {
			continue
		}
		for _, kw := range kws {
			if tok.Is(kw) {
				return true
			}
		}
	}
	return false
}

// edit replaces q.all[from:to] with text.
type edit struct {
	from, to int
	text     string
}

// apply renders q with edits, which must be ordered and non-overlapping.
func (q query) apply(edits []edit) string {
	var b strings.Builder
	cursor := 0
	for _, e := range edits {
		b.WriteString(sqllex.Render(q.all[cursor:e.from]))
		b.WriteString(e.text)
		cursor = e.to
	}
	b.WriteString(sqllex.Render(q.all[cursor:]))
	return b.String()
}
