package schema

import (
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/sqllex"
)

var constraintLeaders = map[string]struct{}{
	"PRIMARY":    {},
	"KEY":        {},
	"UNIQUE":     {},
	"INDEX":      {},
	"CONSTRAINT": {},
	"FOREIGN":    {},
	"CHECK":      {},
	"FULLTEXT":   {},
	"SPATIAL":    {},
	"EXCLUDE":    {},
}

// ParseColumns extracts column names from a CREATE TABLE statement. Items of
// the outermost parenthesized list that start with a constraint keyword are
// skipped. Definitions it cannot read yield nil.
func ParseColumns(definition string) []string {
	tokens, err := sqllex.Tokenize(definition)
	if err != nil {
		return nil
	}
	sig := sqllex.Significant(tokens)

	start := -1
	for i, tok := range sig {
		if tok.IsPunct("(") {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	var (
		columns   []string
		depth     int
		itemStart = true
	)
	for _, tok := range sig[start+1:] {
		switch {
		case tok.IsPunct("("):
			depth++
			itemStart = false
			continue
		case tok.IsPunct(")"):
			if depth == 0 {
				return columns
			}
			depth--
			continue
		case tok.IsPunct(",") && depth == 0:
			itemStart = true
			continue
		}
		if !itemStart || depth != 0 {
			continue
		}
		itemStart = false
		switch tok.Kind {
		case sqllex.KindIdent:
			if _, ok := constraintLeaders[tok.Upper()]; ok {
				continue
			}
			columns = append(columns, tok.Text)
		case sqllex.KindQuotedIdent:
			columns = append(columns, strings.Trim(tok.Text, "`\"[]"))
		}
	}
	return columns
}
