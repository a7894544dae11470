package optimizer

import (
	"fmt"
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/sqllex"
	"github.com/sqlpilot/sqlpilot/internal/validator"
)

// keywords are upper-cased by normalize wherever they appear as bare words.
var keywords = mapset.NewSet(
	"SELECT", "FROM", "WHERE", "AND", "OR", "NOT", "IN", "IS", "NULL", "AS", "ON",
	"JOIN", "LEFT", "RIGHT", "FULL", "OUTER", "INNER", "CROSS", "NATURAL", "USING",
	"GROUP", "BY", "ORDER", "HAVING", "LIMIT", "OFFSET", "DISTINCT", "UNION", "ALL",
	"INTERSECT", "EXCEPT", "CASE", "WHEN", "THEN", "ELSE", "END", "EXISTS", "BETWEEN",
	"LIKE", "ILIKE", "ASC", "DESC", "WITH", "RECURSIVE", "OVER", "PARTITION", "TRUE",
	"FALSE", "NULLS", "QUALIFY", "WINDOW", "LATERAL",
)

// functionKeywords are upper-cased only when called.
var functionKeywords = mapset.NewSet(
	"COUNT", "SUM", "AVG", "MIN", "MAX", "COALESCE", "NULLIF", "CAST", "EXTRACT",
	"LOWER", "UPPER", "ROUND", "ABS", "ROW_NUMBER", "RANK", "DENSE_RANK", "LAG", "LEAD",
)

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// expandWildcard replaces a top-level SELECT * over a single named table
// with that table's column list. Derived tables and table functions are left
// alone.
func expandWildcard(q query, hints Hints) (string, bool) {
	if len(hints.Columns) == 0 || q.at(0).Is("WITH") {
		return "", false
	}
	if q.topLevel("JOIN", "UNION", "INTERSECT", "EXCEPT") {
		return "", false
	}
	if len(validator.TableRefs(q.text)) != 1 {
		return "", false
	}
	table, ok := fromTarget(q)
	if !ok {
		return "", false
	}
	columns := lookupColumns(hints.Columns, table)
	if len(columns) == 0 {
		return "", false
	}
	for i, tok := range q.sig {
		if q.depth[i] != 0 || tok.Kind != sqllex.KindOperator || tok.Text != "*" {
			continue
		}
		prev, next := q.at(i-1), q.at(i+1)
		if (prev.Is("SELECT") || prev.Is("DISTINCT")) && next.Is("FROM") {
			return q.apply([]edit{{from: q.pos[i], to: q.pos[i] + 1, text: columnList(columns)}}), true
		}
	}
	return "", false
}

// fromTarget returns the normalized, possibly qualified table name that
// directly follows the top-level FROM.
func fromTarget(q query) (string, bool) {
	for i, tok := range q.sig {
		if q.depth[i] != 0 || !tok.Is("FROM") {
			continue
		}
		var parts []string
		j := i + 1
		for {
			part := q.at(j)
			if part.Kind != sqllex.KindIdent && part.Kind != sqllex.KindQuotedIdent {
				return "", false
			}
			parts = append(parts, schema.NormalizeTableName(part.Text))
			if !q.at(j+1).IsPunct(".") {
				break
			}
			j += 2
		}
		if q.at(j+1).IsPunct("(") || q.at(j+1).IsPunct(",") {
			return "", false
		}
		return strings.Join(parts, "."), true
	}
	return "", false
}

// lookupColumns prefers an exact match on the qualified name and falls back
// to the unqualified name when exactly one hinted table carries it.
func lookupColumns(columns map[string][]string, table string) []string {
	var (
		found   []string
		matches int
	)
	short := validator.ShortName(table)
	for name, cols := range columns {
		name = schema.NormalizeTableName(name)
		if name == table {
			return cols
		}
		if validator.ShortName(name) == short {
			found = cols
			matches++
		}
	}
	if matches != 1 {
		return nil
	}
	return found
}

func columnList(columns []string) string {
	parts := make([]string, 0, len(columns))
	for _, column := range columns {
		if !plainIdent.MatchString(column) || keywords.Contains(strings.ToUpper(column)) {
			column = `"` + strings.ReplaceAll(column, `"`, `""`) + `"`
		}
		parts = append(parts, column)
	}
	return strings.Join(parts, ", ")
}

// simplifyJoin drops the redundant INNER from INNER JOIN.
func simplifyJoin(q query, _ Hints) (string, bool) {
	var edits []edit
	for i, tok := range q.sig {
		if !tok.Is("INNER") || !q.at(i+1).Is("JOIN") {
			continue
		}
		if !onlyWhitespace(q.all[q.pos[i]+1 : q.pos[i+1]]) {
			continue
		}
		edits = append(edits, edit{from: q.pos[i], to: q.pos[i+1]})
	}
	if len(edits) == 0 {
		return "", false
	}
	return q.apply(edits), true
}

// existsSelectOne turns EXISTS (SELECT * FROM ...) into EXISTS (SELECT 1 FROM ...).
func existsSelectOne(q query, _ Hints) (string, bool) {
	var edits []edit
	for i, tok := range q.sig {
		if !tok.Is("EXISTS") || !q.at(i+1).IsPunct("(") || !q.at(i+2).Is("SELECT") {
			continue
		}
		star := q.at(i + 3)
		if star.Kind != sqllex.KindOperator || star.Text != "*" || !q.at(i+4).Is("FROM") {
			continue
		}
		edits = append(edits, edit{from: q.pos[i+3], to: q.pos[i+3] + 1, text: "1"})
	}
	if len(edits) == 0 {
		return "", false
	}
	return q.apply(edits), true
}

// addLimit appends LIMIT n to an unbounded query when a row limit is hinted.
func addLimit(q query, hints Hints) (string, bool) {
	if hints.RowLimit <= 0 {
		return "", false
	}
	first := q.at(0)
	if !first.Is("SELECT") && !first.Is("WITH") && !first.IsPunct("(") {
		return "", false
	}
	if q.topLevel("LIMIT", "TOP", "FETCH", "OFFSET") {
		return "", false
	}
	last := len(q.sig) - 1
	if q.sig[last].IsPunct(";") {
		last--
	}
	if last < 0 {
		return "", false
	}
	at := q.pos[last] + 1
	return q.apply([]edit{{from: at, to: at, text: fmt.Sprintf(" LIMIT %d", hints.RowLimit)}}), true
}

// normalize upper-cases keywords, collapses whitespace and drops a trailing
// semicolon. Comments are kept; a line comment keeps its line break.
func normalize(q query, _ Hints) (string, bool) {
	sigIndex := make(map[int]int, len(q.pos))
	for i, p := range q.pos {
		sigIndex[p] = i
	}
	lastSig := len(q.sig) - 1

	var (
		b       strings.Builder
		pending string
	)
	write := func(text string) {
		if b.Len() > 0 {
			b.WriteString(pending)
		}
		pending = ""
		b.WriteString(text)
	}
	for idx, tok := range q.all {
		switch {
		case tok.Kind == sqllex.KindWhitespace:
			if pending == "" {
				pending = " "
			}
			continue
		case tok.Kind == sqllex.KindLineComment:
			write(strings.TrimRight(tok.Text, " \t\r"))
			pending = "\n"
			continue
		case tok.IsComment():
			write(tok.Text)
			continue
		}

		i := sigIndex[idx]
		if i == lastSig && tok.IsPunct(";") {
			continue
		}
		text := tok.Text
		if tok.Kind == sqllex.KindIdent && !q.at(i-1).IsPunct(".") {
			upper := strings.ToUpper(text)
			if keywords.Contains(upper) || (functionKeywords.Contains(upper) && q.at(i+1).IsPunct("(")) {
				text = upper
			}
		}
		write(text)
	}
	return b.String(), true
}

func onlyWhitespace(tokens []sqllex.Token) bool {
	for _, tok := range tokens {
		if tok.Kind != sqllex.KindWhitespace {
			return false
		}
	}
	return true
}
