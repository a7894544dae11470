package optimizer

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sqlpilot/sqlpilot/internal/sqllex"
)

var (
	whereEnd = mapset.NewSet(
		"GROUP", "ORDER", "HAVING", "LIMIT", "OFFSET", "UNION", "INTERSECT", "EXCEPT",
		"WINDOW", "QUALIFY", "FETCH",
	)
	clauseStarts = mapset.NewSet("SELECT", "FROM", "WHERE", "ON", "GROUP", "HAVING", "ORDER", "JOIN")
	comparisons  = mapset.NewSet("=", "<", ">", "<=", ">=", "<>", "!=")
	aggregates   = mapset.NewSet("COUNT", "SUM", "AVG", "MIN", "MAX")
	predicateOps = mapset.NewSet("LIKE", "ILIKE", "IN", "BETWEEN", "IS")
	indexUses    = map[string]string{"WHERE": "WHERE filtering", "ON": "JOIN matching", "ORDER": "ORDER BY sorting"}
)

// advise reports rewrites that may help but cannot be proven equivalent, in a
// fixed rule order.
func (o *Optimizer) advise(q query, hints Hints) []Note {
	var notes []Note
	if note, ok := predicateOrder(q, hints.Cardinality); ok {
		notes = append(notes, note)
	}
	notes = append(notes, nonSargable(q)...)
	notes = append(notes, inSubqueries(q, true)...)
	notes = append(notes, largeInLists(q, o.inListThreshold)...)
	notes = append(notes, inSubqueries(q, false)...)
	notes = append(notes, countDistinct(q)...)
	notes = append(notes, indexCandidates(q, hints.Columns)...)
	if q.topLevel("ORDER") && !q.topLevel("LIMIT", "TOP", "FETCH") {
		notes = append(notes, Note{
			Kind:    NoteAdvisory,
			Rule:    "unbounded_order_by",
			Message: "ORDER BY without a row bound sorts the full result",
		})
	}
	return notes
}

// predicateOrder compares the top-level AND conjuncts of the WHERE clause with
// the order suggested by cardinality hints. Reordering is never applied.
func predicateOrder(q query, cardinality map[string]int) (Note, bool) {
	if len(cardinality) == 0 {
		return Note{}, false
	}
	start := -1
	for i, tok := range q.sig {
		if q.depth[i] == 0 && tok.Is("WHERE") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return Note{}, false
	}

	var (
		conjuncts [][]sqllex.Token
		current   []sqllex.Token
		between   bool
	)
	for i := start; i < len(q.sig); i++ {
		tok := q.sig[i]
		if q.depth[i] == 0 {
			if (tok.Kind == sqllex.KindIdent && whereEnd.Contains(tok.Upper())) || tok.IsPunct(";") || tok.IsPunct(")") {
				break
			}
			switch {
			case tok.Is("OR"):
				return Note{}, false
			case tok.Is("BETWEEN"):
				between = true
			case tok.Is("AND") && between:
				between = false
			case tok.Is("AND"):
				conjuncts = append(conjuncts, current)
				current = nil
				continue
			}
		}
		current = append(current, tok)
	}
	conjuncts = append(conjuncts, current)
	if len(conjuncts) < 2 {
		return Note{}, false
	}

	type ranked struct {
		column string
		card   int
	}
	var known []ranked
	for _, conjunct := range conjuncts {
		column := firstColumn(conjunct)
		if column == "" {
			continue
		}
		if card, ok := lookupCardinality(cardinality, column); ok {
			known = append(known, ranked{column: column, card: card})
		}
	}
	if len(known) < 2 {
		return Note{}, false
	}
	sorted := append([]ranked(nil), known...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].card > sorted[j].card })

	same := true
	names := make([]string, 0, len(sorted))
	for i := range sorted {
		if sorted[i] != known[i] {
			same = false
		}
		names = append(names, sorted[i].column)
	}
	if same {
		return Note{}, false
	}
	return Note{
		Kind:    NoteSkipped,
		Rule:    "predicate_order",
		Message: fmt.Sprintf("most selective predicates first would be %s; predicate order was left unchanged", strings.Join(names, ", ")),
	}, true
}

// firstColumn returns the lower-cased last part of the first column reference
// in tokens.
func firstColumn(tokens []sqllex.Token) string {
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Kind != sqllex.KindIdent && tok.Kind != sqllex.KindQuotedIdent {
			continue
		}
		if tok.Kind == sqllex.KindIdent && keywords.Contains(tok.Upper()) {
			continue
		}
		if i+1 < len(tokens) && tokens[i+1].IsPunct("(") {
			continue
		}
		for i+2 < len(tokens) && tokens[i+1].IsPunct(".") {
			i += 2
			tok = tokens[i]
		}
		return strings.ToLower(strings.Trim(tok.Text, "`\"[]"))
	}
	return ""
}

func lookupCardinality(cardinality map[string]int, column string) (int, bool) {
	if card, ok := cardinality[column]; ok {
		return card, true
	}
	for key, card := range cardinality {
		key = strings.ToLower(key)
		if key == column || strings.HasSuffix(key, "."+column) {
			return card, true
		}
	}
	return 0, false
}

// nonSargable flags leading-wildcard LIKE patterns and function-wrapped
// columns compared in WHERE or ON clauses.
func nonSargable(q query) []Note {
	var notes []Note
	for i, tok := range q.sig {
		if (tok.Is("LIKE") || tok.Is("ILIKE")) && strings.HasPrefix(q.at(i+1).Text, "'%") {
			notes = append(notes, Note{
				Kind:    NoteAdvisory,
				Rule:    "leading_wildcard_like",
				Message: fmt.Sprintf("pattern %s starts with a wildcard and cannot use an index", q.at(i+1).Text),
			})
			continue
		}
		if tok.Kind != sqllex.KindIdent || !q.at(i+1).IsPunct("(") || aggregates.Contains(tok.Upper()) {
			continue
		}
		closeAt := matchingParen(q, i+1)
		if closeAt < 0 || !wrapsColumn(q.sig[i+2:closeAt]) {
			continue
		}
		next := q.at(closeAt + 1)
		if !comparisons.Contains(next.Text) && !next.Is("LIKE") && !next.Is("IN") && !next.Is("BETWEEN") {
			continue
		}
		if clause := enclosingClause(q, i); clause != "WHERE" && clause != "ON" {
			continue
		}
		notes = append(notes, Note{
			Kind:    NoteAdvisory,
			Rule:    "non_sargable_predicate",
			Message: fmt.Sprintf("%s(...) wraps a column in a function; the predicate cannot use an index", tok.Text),
		})
	}
	return notes
}

func matchingParen(q query, open int) int {
	for j := open + 1; j < len(q.sig); j++ {
		if q.sig[j].IsPunct(")") && q.depth[j] == q.depth[open] {
			return j
		}
	}
	return -1
}

func wrapsColumn(args []sqllex.Token) bool {
	for i, tok := range args {
		if tok.Is("SELECT") {
			return false
		}
		if tok.Kind == sqllex.KindQuotedIdent {
			return true
		}
		if tok.Kind == sqllex.KindIdent && !keywords.Contains(tok.Upper()) && !(i+1 < len(args) && args[i+1].IsPunct("(")) {
			return true
		}
	}
	return false
}

// enclosingClause returns the nearest clause keyword before i at the same depth.
func enclosingClause(q query, i int) string {
	for j := i - 1; j >= 0; j-- {
		if q.depth[j] == q.depth[i] && q.sig[j].Kind == sqllex.KindIdent && clauseStarts.Contains(q.sig[j].Upper()) {
			return q.sig[j].Upper()
		}
	}
	return ""
}

// inSubqueries flags NOT IN (SELECT ...) when negated is set and plain
// IN (SELECT ...) otherwise.
func inSubqueries(q query, negated bool) []Note {
	var notes []Note
	for i, tok := range q.sig {
		if !tok.Is("IN") || !q.at(i+1).IsPunct("(") || !q.at(i+2).Is("SELECT") {
			continue
		}
		if q.at(i-1).Is("NOT") != negated {
			continue
		}
		if negated {
			notes = append(notes, Note{
				Kind:    NoteAdvisory,
				Rule:    "not_in_subquery",
				Message: "NOT IN (SELECT ...) returns no rows when the subquery yields NULL; prefer NOT EXISTS",
			})
		} else {
			notes = append(notes, Note{
				Kind:    NoteAdvisory,
				Rule:    "in_subquery",
				Message: "IN (SELECT ...) may plan better as a JOIN or EXISTS",
			})
		}
	}
	return notes
}

func largeInLists(q query, threshold int) []Note {
	var notes []Note
	for i, tok := range q.sig {
		if !tok.Is("IN") || !q.at(i+1).IsPunct("(") || q.at(i+2).Is("SELECT") {
			continue
		}
		closeAt := matchingParen(q, i+1)
		if closeAt < 0 {
			continue
		}
		values := 1
		for j := i + 2; j < closeAt; j++ {
			if q.sig[j].IsPunct(",") && q.depth[j] == q.depth[i+1]+1 {
				values++
			}
		}
		if values > threshold {
			notes = append(notes, Note{
				Kind:    NoteAdvisory,
				Rule:    "large_in_list",
				Message: fmt.Sprintf("IN list with %d values; consider joining against a temporary table", values),
			})
		}
	}
	return notes
}

func countDistinct(q query) []Note {
	var notes []Note
	for i, tok := range q.sig {
		if tok.Is("COUNT") && q.at(i+1).IsPunct("(") && q.at(i+2).Is("DISTINCT") {
			notes = append(notes, Note{
				Kind:    NoteAdvisory,
				Rule:    "count_distinct",
				Message: "COUNT(DISTINCT ...) is expensive on large inputs; consider an approximate count",
			})
		}
	}
	return notes
}

// indexCandidates names declared columns that are compared in WHERE or ON
// clauses or sorted on in ORDER BY, once per column and clause.
func indexCandidates(q query, columns map[string][]string) []Note {
	declared := mapset.NewThreadUnsafeSet[string]()
	for _, cols := range columns {
		for _, column := range cols {
			declared.Add(strings.ToLower(column))
		}
	}
	if declared.IsEmpty() {
		return nil
	}

	var notes []Note
	seen := mapset.NewThreadUnsafeSet[string]()
	for i := 0; i < len(q.sig); i++ {
		tok := q.sig[i]
		if tok.Kind != sqllex.KindIdent && tok.Kind != sqllex.KindQuotedIdent {
			continue
		}
		if (tok.Kind == sqllex.KindIdent && keywords.Contains(tok.Upper())) || q.at(i-1).IsPunct(".") {
			continue
		}
		start, end := i, i
		for q.at(end+1).IsPunct(".") && (q.at(end+2).Kind == sqllex.KindIdent || q.at(end+2).Kind == sqllex.KindQuotedIdent) {
			end += 2
		}
		i = end
		if q.at(end + 1).IsPunct("(") {
			continue
		}
		column := strings.ToLower(strings.Trim(q.sig[end].Text, "`\"[]"))
		if !declared.Contains(column) {
			continue
		}
		clause := enclosingClause(q, start)
		use, ok := indexUses[clause]
		if !ok {
			continue
		}
		prev, next := q.at(start-1), q.at(end+1)
		switch clause {
		case "ORDER":
			if !prev.Is("BY") && !prev.IsPunct(",") {
				continue
			}
		default:
			if !comparisons.Contains(prev.Text) && !comparisons.Contains(next.Text) && !(next.Kind == sqllex.KindIdent && predicateOps.Contains(next.Upper())) && !next.Is("NOT") {
				continue
			}
		}
		key := clause + " " + column
		if seen.Contains(key) {
			continue
		}
		seen.Add(key)
		notes = append(notes, Note{
			Kind:    NoteAdvisory,
			Rule:    "index_candidate",
			Message: fmt.Sprintf("consider an index on %s for %s", column, use),
		})
	}
	return notes
}
