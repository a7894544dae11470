// Package validator statically checks candidate SQL. Nothing is executed:
// checks run over the token stream produced by sqllex.
package validator

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/sqllex"
)

type Level int

const (
	LevelBasic Level = iota
	LevelStandard
	LevelStrict
)

func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelStandard:
		return "standard"
	case LevelStrict:
		return "strict"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "basic":
		return LevelBasic, nil
	case "", "standard":
		return LevelStandard, nil
	case "strict":
		return LevelStrict, nil
	default:
		return LevelStandard, fmt.Errorf("unknown validation level %q", raw)
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

type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
)

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

func (r Risk) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Risk) UnmarshalText(text []byte) error {
	switch string(text) {
	case "low":
		*r = RiskLow
	case "medium":
		*r = RiskMedium
	case "high":
		*r = RiskHigh
	default:
		return fmt.Errorf("unknown risk level %q", string(text))
	}
	return nil
}

type Kind string

const (
	KindUnparsable         Kind = "unparsable"
	KindSyntax             Kind = "syntax"
	KindForbiddenStatement Kind = "forbidden_statement"
	KindSystemObject       Kind = "system_object"
	KindInjection          Kind = "injection"
	KindUnboundedResult    Kind = "unbounded_result"
	KindWildcardProjection Kind = "wildcard_projection"
	KindUnknownTable       Kind = "unknown_table"
	KindUnknownColumn      Kind = "unknown_column"
)

// Level returns the lowest validation level that can emit findings of kind k.
func (k Kind) Level() Level {
	switch k {
	case KindForbiddenStatement, KindSystemObject, KindInjection:
		return LevelStandard
	case KindUnboundedResult, KindWildcardProjection, KindUnknownTable, KindUnknownColumn:
		return LevelStrict
	default:
		return LevelBasic
	}
}

func (k Kind) risk() Risk {
	switch k.Level() {
	case LevelStandard:
		return RiskHigh
	case LevelStrict:
		return RiskMedium
	default:
		return RiskLow
	}
}

type Finding struct {
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
	Fragment string `json:"fragment,omitempty"`
	Offset   int    `json:"offset"`
}

func (f Finding) String() string {
	if f.Fragment == "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("%s: %s (near %q)", f.Kind, f.Message, f.Fragment)
}

type Report struct {
	Valid      bool       `json:"valid"`
	Risk       Risk       `json:"risk"`
	Level      Level      `json:"level"`
	Findings   []Finding  `json:"findings"`
	Complexity Complexity `json:"complexity"`
}

type Options struct {
	// Permit lists keywords (for example INSERT) exempt from the forbidden
	// statement check.
	Permit []string
}

type Validator struct {
	permit mapset.Set[string]
}

func New(opts Options) *Validator {
	permit := mapset.NewSet[string]()
	for _, keyword := range opts.Permit {
		keyword = strings.ToUpper(strings.TrimSpace(keyword))
		if keyword != "" {
			permit.Add(keyword)
		}
	}
	return &Validator{permit: permit}
}

var defaultValidator = New(Options{})

// Validate checks sqlText with the default options.
func Validate(sqlText string, level Level, tables ...string) Report {
	return defaultValidator.Validate(sqlText, level, tables...)
}

// Scope is the schema context a query is checked against at the strict
// level. Columns is keyed by table name.
type Scope struct {
	Tables  []string
	Columns map[string][]string
}

// ScopeFromFragments builds a Scope from retrieved fragments, reading column
// names from their definitions.
func ScopeFromFragments(fragments []schema.Fragment) Scope {
	scope := Scope{Tables: make([]string, 0, len(fragments)), Columns: map[string][]string{}}
	for _, fragment := range fragments {
		scope.Tables = append(scope.Tables, fragment.Name)
		if columns := fragment.Columns(); len(columns) > 0 {
			scope.Columns[schema.NormalizeTableName(fragment.Name)] = columns
		}
	}
	return scope
}

// Validate runs every check enabled at level. tables lists the schema
// fragments supplied with the request; the strict unknown-table check is
// skipped when it is empty.
func (v *Validator) Validate(sqlText string, level Level, tables ...string) Report {
	return v.ValidateInScope(sqlText, level, Scope{Tables: tables})
}

// ValidateInScope is Validate with column knowledge. The strict
// unknown-column check runs only when scope carries columns.
func (v *Validator) ValidateInScope(sqlText string, level Level, scope Scope) Report {
	report := Report{Level: level}

	tokens, err := sqllex.Tokenize(sqlText)
	if err != nil {
		report.Findings = append(report.Findings, Finding{Kind: KindSyntax, Message: err.Error()})
		return finish(report)
	}

	in := newInput(tokens)
	report.Findings = append(report.Findings, checkBasic(in, level, v.permit)...)
	if level >= LevelStandard {
		report.Findings = append(report.Findings, checkForbidden(in, v.permit)...)
		report.Findings = append(report.Findings, checkSystemObjects(in)...)
		report.Findings = append(report.Findings, checkInjection(in)...)
	}
	if level >= LevelStrict {
		report.Findings = append(report.Findings, checkUnbounded(in)...)
		report.Findings = append(report.Findings, checkWildcard(in)...)
		if len(scope.Tables) > 0 {
			report.Findings = append(report.Findings, checkUnknownTables(in, scope.Tables)...)
		}
		if len(scope.Columns) > 0 {
			report.Findings = append(report.Findings, checkUnknownColumns(in, scope.Columns)...)
		}
	}
	report.Complexity = measureComplexity(in.sig)
	return finish(report)
}

// Unparsable builds the report for model output that held no SQL.
func Unparsable(level Level, raw string) Report {
	fragment := strings.TrimSpace(raw)
	if len(fragment) > 80 {
		fragment = fragment[:80]
	}
	return finish(Report{
		Level: level,
		Findings: []Finding{{
			Kind:     KindUnparsable,
			Message:  "model output contained no extractable SQL statement",
			Fragment: fragment,
		}},
	})
}

func finish(report Report) Report {
	report.Valid = len(report.Findings) == 0
	report.Risk = RiskLow
	for _, finding := range report.Findings {
		if risk := finding.Kind.risk(); risk > report.Risk {
			report.Risk = risk
		}
	}
	if report.Findings == nil {
		report.Findings = []Finding{}
	}
	return report
}

// HasKind reports whether any finding has kind k.
func (r Report) HasKind(k Kind) bool {
	for _, finding := range r.Findings {
		if finding.Kind == k {
			return true
		}
	}
	return false
}

type input struct {
	raw        []sqllex.Token
	sig        []sqllex.Token
	statements [][]sqllex.Token
}

func newInput(tokens []sqllex.Token) input {
	sig := sqllex.Significant(tokens)
	return input{raw: tokens, sig: sig, statements: sqllex.Statements(sig)}
}
