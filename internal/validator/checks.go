package validator

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/sqllex"
)

var allowedVerbs = mapset.NewSet("SELECT", "WITH")

var forbiddenKeywords = mapset.NewSet(
	"DROP", "DELETE", "TRUNCATE", "ALTER", "CREATE", "INSERT", "UPDATE", "MERGE",
	"REPLACE", "UPSERT", "GRANT", "REVOKE", "RENAME", "EXEC", "EXECUTE", "CALL",
	"BULK", "BACKUP", "RESTORE", "SHUTDOWN", "RECONFIGURE", "OPENROWSET",
	"OPENDATASOURCE", "ATTACH", "DETACH", "COPY",
)

// Keywords that stay forbidden when used with call syntax.
var forbiddenCalls = mapset.NewSet("EXEC", "EXECUTE", "OPENROWSET", "OPENDATASOURCE")

var writeVerbs = mapset.NewSet("INSERT", "MERGE", "REPLACE", "UPSERT")

var systemSchemas = mapset.NewSet(
	"information_schema", "pg_catalog", "sys", "mysql", "performance_schema",
	"master", "msdb", "tempdb",
)

var systemTables = mapset.NewSet(
	"sqlite_master", "sqlite_schema", "pg_shadow", "pg_authid", "pg_user", "pg_roles",
	"sysobjects", "syscolumns", "sysusers",
)

var systemFunctions = mapset.NewSet(
	"LOAD_FILE", "PG_READ_FILE", "PG_READ_BINARY_FILE", "PG_LS_DIR", "LO_IMPORT",
	"LO_EXPORT", "DBLINK", "DBLINK_EXEC",
)

var timingFunctions = mapset.NewSet("SLEEP", "PG_SLEEP", "BENCHMARK")

// Keywords after which a statement cannot end.
var danglingKeywords = mapset.NewSet(
	"SELECT", "FROM", "WHERE", "AND", "OR", "NOT", "JOIN", "ON", "BY", "GROUP", "ORDER",
	"HAVING", "LIMIT", "OFFSET", "UNION", "INTERSECT", "EXCEPT", "IN", "AS", "CASE",
	"WHEN", "THEN", "ELSE", "DISTINCT", "LIKE", "ILIKE", "BETWEEN", "INNER", "LEFT",
	"RIGHT", "OUTER", "FULL", "CROSS", "IS", "WITH", "ALL", "ANY", "EXISTS",
)

var clauseKeywords = mapset.NewSet(
	"WHERE", "JOIN", "ON", "USING", "LEFT", "RIGHT", "INNER", "OUTER", "FULL", "CROSS",
	"NATURAL", "GROUP", "ORDER", "HAVING", "LIMIT", "OFFSET", "UNION", "INTERSECT",
	"EXCEPT", "WINDOW", "FETCH", "FOR", "LATERAL", "QUALIFY", "AS", "SELECT", "FROM",
)

var argumentFromFunctions = mapset.NewSet("EXTRACT", "SUBSTRING", "TRIM", "OVERLAY", "POSITION")

var aggregateFunctions = mapset.NewSet("COUNT", "SUM", "AVG", "MIN", "MAX")

func checkBasic(in input, level Level, permit mapset.Set[string]) []Finding {
	var findings []Finding

	if len(in.sig) == 0 {
		return append(findings, Finding{Kind: KindSyntax, Message: "empty statement"})
	}

	for _, tok := range in.raw {
		if tok.Kind == sqllex.KindUnterminated {
			findings = append(findings, Finding{
				Kind:     KindSyntax,
				Message:  "unterminated string, quoted identifier, or comment",
				Fragment: snippet(tok.Text),
				Offset:   tok.Offset,
			})
		}
	}

	depth := 0
	for _, tok := range in.sig {
		switch {
		case tok.IsPunct("("):
			depth++
		case tok.IsPunct(")"):
			depth--
			if depth < 0 {
				findings = append(findings, Finding{Kind: KindSyntax, Message: "unmatched closing parenthesis", Fragment: ")", Offset: tok.Offset})
				depth = 0
			}
		}
	}
	if depth > 0 {
		findings = append(findings, Finding{Kind: KindSyntax, Message: fmt.Sprintf("%d unclosed parenthesis", depth), Fragment: "("})
	}

	for _, stmt := range in.statements {
		verb := leadingVerb(stmt)
		if !allowedVerbs.Contains(verb.Upper()) {
			covered := level >= LevelStandard && forbiddenKeywords.Contains(verb.Upper()) && !permit.Contains(verb.Upper())
			if !covered && !permit.Contains(verb.Upper()) {
				findings = append(findings, Finding{
					Kind:     KindSyntax,
					Message:  "statement must start with SELECT or WITH",
					Fragment: verb.Text,
					Offset:   verb.Offset,
				})
			}
		}

		cases, ends := 0, 0
		for _, tok := range stmt {
			switch {
			case tok.Is("CASE"):
				cases++
			case tok.Is("END"):
				ends++
			}
		}
		if cases != ends {
			findings = append(findings, Finding{
				Kind:     KindSyntax,
				Message:  fmt.Sprintf("unbalanced CASE/END (%d CASE, %d END)", cases, ends),
				Fragment: "CASE",
				Offset:   stmt[0].Offset,
			})
		}

		last := stmt[len(stmt)-1]
		if (last.Kind == sqllex.KindIdent && danglingKeywords.Contains(last.Upper())) ||
			(last.Kind == sqllex.KindOperator && last.Text != "*") || last.IsPunct(",") || last.IsPunct(".") {
			findings = append(findings, Finding{
				Kind:     KindSyntax,
				Message:  "statement ends with an incomplete clause",
				Fragment: last.Text,
				Offset:   last.Offset,
			})
		}
	}
	return findings
}

func checkForbidden(in input, permit mapset.Set[string]) []Finding {
	var findings []Finding
	for _, stmt := range in.statements {
		wrote := false
		for i, tok := range stmt {
			if tok.Kind != sqllex.KindIdent {
				continue
			}
			upper := tok.Upper()
			prev, next := at(stmt, i-1), at(stmt, i+1)
			if prev.IsPunct(".") || prev.Is("AS") {
				continue
			}

			switch {
			case forbiddenKeywords.Contains(upper):
				if permit.Contains(upper) {
					if writeVerbs.Contains(upper) {
						wrote = true
					}
					continue
				}
				if next.IsPunct("(") && !forbiddenCalls.Contains(upper) {
					continue
				}
				if writeVerbs.Contains(upper) {
					wrote = true
				}
				findings = append(findings, Finding{
					Kind:     KindForbiddenStatement,
					Message:  fmt.Sprintf("forbidden statement %s", upper),
					Fragment: upper,
					Offset:   tok.Offset,
				})
			case upper == "INTO" && !wrote && !permit.Contains("INTO"):
				findings = append(findings, Finding{
					Kind:     KindForbiddenStatement,
					Message:  "forbidden statement SELECT INTO",
					Fragment: strings.TrimSpace(tok.Text + " " + next.Text),
					Offset:   tok.Offset,
				})
			case strings.HasPrefix(strings.ToLower(tok.Text), "xp_"),
				strings.HasPrefix(strings.ToLower(tok.Text), "sp_") && next.IsPunct("("):
				findings = append(findings, Finding{
					Kind:     KindForbiddenStatement,
					Message:  fmt.Sprintf("forbidden stored procedure %s", tok.Text),
					Fragment: tok.Text,
					Offset:   tok.Offset,
				})
			}
		}
	}
	return findings
}

func checkSystemObjects(in input) []Finding {
	var findings []Finding
	for i, tok := range in.sig {
		if tok.Kind != sqllex.KindIdent {
			continue
		}
		lower := strings.ToLower(tok.Text)
		next := at(in.sig, i+1)
		prev := at(in.sig, i-1)
		switch {
		case systemSchemas.Contains(lower) && next.IsPunct(".") && !prev.IsPunct("."):
			findings = append(findings, Finding{
				Kind:     KindSystemObject,
				Message:  fmt.Sprintf("access to system schema %s", lower),
				Fragment: tok.Text + "." + at(in.sig, i+2).Text,
				Offset:   tok.Offset,
			})
		case systemTables.Contains(lower):
			findings = append(findings, Finding{
				Kind:     KindSystemObject,
				Message:  fmt.Sprintf("access to system table %s", lower),
				Fragment: tok.Text,
				Offset:   tok.Offset,
			})
		case systemFunctions.Contains(tok.Upper()) && next.IsPunct("("):
			findings = append(findings, Finding{
				Kind:     KindSystemObject,
				Message:  fmt.Sprintf("call to system function %s", tok.Upper()),
				Fragment: tok.Text,
				Offset:   tok.Offset,
			})
		}
	}
	return findings
}

func checkInjection(in input) []Finding {
	var findings []Finding

	if len(in.statements) > 1 {
		second := in.statements[1]
		findings = append(findings, Finding{
			Kind:     KindInjection,
			Message:  fmt.Sprintf("stacked statements: %d statements separated by ';'", len(in.statements)),
			Fragment: "; " + snippet(joinTokens(second)),
			Offset:   second[0].Offset,
		})
	}

	lastSig := sqllex.Token{}
	for i, tok := range in.raw {
		if tok.Kind == sqllex.KindWhitespace {
			continue
		}
		if tok.IsComment() {
			switch {
			case lastSig.IsPunct(";"):
				findings = append(findings, Finding{Kind: KindInjection, Message: "comment after statement separator", Fragment: snippet(tok.Text), Offset: tok.Offset})
			case strings.HasPrefix(tok.Text, "/*!"):
				findings = append(findings, Finding{Kind: KindInjection, Message: "executable comment", Fragment: snippet(tok.Text), Offset: tok.Offset})
			case tok.Kind == sqllex.KindBlockComment && at(in.raw, i-1).Kind == sqllex.KindIdent && at(in.raw, i+1).Kind == sqllex.KindIdent:
				findings = append(findings, Finding{Kind: KindInjection, Message: "inline comment splitting keywords", Fragment: at(in.raw, i-1).Text + tok.Text + at(in.raw, i+1).Text, Offset: tok.Offset})
			case tok.Kind == sqllex.KindLineComment && at(in.raw, i-1).Kind == sqllex.KindString:
				findings = append(findings, Finding{Kind: KindInjection, Message: "comment terminating a string literal", Fragment: at(in.raw, i-1).Text + tok.Text, Offset: tok.Offset})
			}
			continue
		}
		lastSig = tok
	}

	for i, tok := range in.sig {
		next := at(in.sig, i+1)
		switch {
		case tok.Is("OR"):
			if fragment, ok := tautology(in.sig, i+1); ok {
				findings = append(findings, Finding{Kind: KindInjection, Message: "always-true condition", Fragment: "OR " + fragment, Offset: tok.Offset})
			}
		case timingFunctions.Contains(tok.Upper()) && next.IsPunct("("):
			findings = append(findings, Finding{Kind: KindInjection, Message: "time-based probe", Fragment: tok.Text + "(", Offset: tok.Offset})
		case tok.Is("WAITFOR") && next.Is("DELAY"):
			findings = append(findings, Finding{Kind: KindInjection, Message: "time-based probe", Fragment: "WAITFOR DELAY", Offset: tok.Offset})
		case (tok.Is("CHAR") || tok.Is("CHR")) && next.IsPunct("(") && at(in.sig, i+2).Kind == sqllex.KindNumber:
			findings = append(findings, Finding{Kind: KindInjection, Message: "character-code obfuscation", Fragment: tok.Text + "(" + at(in.sig, i+2).Text, Offset: tok.Offset})
		}
	}
	return findings
}

// tautology reports whether the tokens starting at i form an always-true
// comparison such as 1=1, 'a'='a', x=x or TRUE.
func tautology(tokens []sqllex.Token, i int) (string, bool) {
	left := at(tokens, i)
	if left.Is("TRUE") {
		return "TRUE", true
	}
	op := at(tokens, i+1)
	right := at(tokens, i+2)
	if op.Kind != sqllex.KindOperator || op.Text != "=" {
		return "", false
	}
	// A following operator means the right side is part of a larger expression.
	if after := at(tokens, i+3); after.Kind == sqllex.KindOperator || after.IsPunct(".") || after.IsPunct("(") {
		return "", false
	}
	fragment := left.Text + op.Text + right.Text
	switch {
	case isLiteral(left) && isLiteral(right) && literalValue(left) == literalValue(right):
		return fragment, true
	case left.Kind == sqllex.KindIdent && right.Kind == sqllex.KindIdent && strings.EqualFold(left.Text, right.Text):
		return fragment, true
	}
	return "", false
}

func checkUnbounded(in input) []Finding {
	var findings []Finding
	for _, stmt := range in.statements {
		depths := sqllex.Depths(stmt)
		mainSelect := -1
		hasFrom, hasBound, hasGroup, hasSetOp := false, false, false, false
		fromIdx := -1
		for i, tok := range stmt {
			if depths[i] != 0 || tok.Kind != sqllex.KindIdent {
				continue
			}
			switch tok.Upper() {
			case "SELECT":
				if mainSelect < 0 {
					mainSelect = i
				}
			case "FROM":
				if !hasFrom && mainSelect >= 0 {
					fromIdx = i
				}
				hasFrom = hasFrom || mainSelect >= 0
			case "LIMIT", "TOP", "FETCH":
				hasBound = true
			case "GROUP":
				hasGroup = true
			case "UNION", "INTERSECT", "EXCEPT":
				hasSetOp = true
			}
		}
		if mainSelect < 0 || !hasFrom || hasBound {
			continue
		}
		if !hasGroup && !hasSetOp && aggregateOnly(stmt[mainSelect+1:fromIdx], depths[mainSelect+1:fromIdx]) {
			continue
		}
		findings = append(findings, Finding{
			Kind:     KindUnboundedResult,
			Message:  "query can return unbounded rows; add a LIMIT clause",
			Fragment: snippet(joinTokens(stmt[mainSelect:min(len(stmt), mainSelect+6)])),
			Offset:   stmt[mainSelect].Offset,
		})
	}
	return findings
}

// aggregateOnly reports whether every top-level projection item is an
// aggregate call, which yields a single row.
func aggregateOnly(projection []sqllex.Token, depths []int) bool {
	if len(projection) == 0 {
		return false
	}
	itemStart := true
	for i, tok := range projection {
		if depths[i] != 0 {
			continue
		}
		if tok.IsPunct(",") {
			itemStart = true
			continue
		}
		if itemStart {
			if !aggregateFunctions.Contains(tok.Upper()) || !at(projection, i+1).IsPunct("(") {
				return false
			}
			itemStart = false
		}
	}
	return true
}

func checkWildcard(in input) []Finding {
	var findings []Finding
	for i, tok := range in.sig {
		if tok.Kind != sqllex.KindOperator || tok.Text != "*" {
			continue
		}
		if !isProjectionWildcard(in.sig, i) {
			continue
		}
		var fragment string
		if prev := at(in.sig, i-1); prev.IsPunct(".") {
			fragment = at(in.sig, i-2).Text + ".*"
		} else {
			fragment = strings.TrimSpace(prev.Text + " *")
		}
		findings = append(findings, Finding{
			Kind:     KindWildcardProjection,
			Message:  "wildcard projection; list columns explicitly",
			Fragment: fragment,
			Offset:   tok.Offset,
		})
	}
	return findings
}

// isProjectionWildcard reports whether the * at index i selects all columns
// rather than multiplying.
func isProjectionWildcard(tokens []sqllex.Token, i int) bool {
	prev, next := at(tokens, i-1), at(tokens, i+1)
	prevOK := prev.Is("SELECT") || prev.Is("DISTINCT") || prev.Is("ALL") || prev.IsPunct(",") || prev.IsPunct(".")
	nextOK := next.Is("FROM") || next.IsPunct(",") || next.IsPunct(";") || next.IsPunct(")") || next.Text == "" ||
		next.Is("EXCLUDE") || next.Is("EXCEPT") || next.Is("REPLACE")
	return prevOK && nextOK
}

func checkUnknownTables(in input, tables []string) []Finding {
	known := mapset.NewThreadUnsafeSet[string]()
	for _, table := range tables {
		known.Add(ShortName(table))
	}

	var findings []Finding
	reported := mapset.NewThreadUnsafeSet[string]()
	for _, stmt := range in.statements {
		ctes := cteNames(stmt)
		for _, ref := range tableRefs(stmt) {
			name := ShortName(ref.Text)
			if known.Contains(name) || ctes.Contains(name) || reported.Contains(name) {
				continue
			}
			reported.Add(name)
			findings = append(findings, Finding{
				Kind:     KindUnknownTable,
				Message:  fmt.Sprintf("table %s is not in the supplied schema context", name),
				Fragment: ref.Text,
				Offset:   ref.Offset,
			})
		}
	}
	return findings
}

// checkUnknownColumns looks at qualified column references (t.col) and
// reports columns that no supplied table declares. Output aliases count as
// known so derived tables can be referenced.
func checkUnknownColumns(in input, columns map[string][]string) []Finding {
	known := mapset.NewThreadUnsafeSet[string]()
	for _, cols := range columns {
		for _, column := range cols {
			known.Add(schema.NormalizeTableName(column))
		}
	}

	var findings []Finding
	reported := mapset.NewThreadUnsafeSet[string]()
	for _, stmt := range in.statements {
		tableParts := mapset.NewThreadUnsafeSet[int]()
		for _, ref := range tableRefs(stmt) {
			tableParts.Add(ref.Offset)
		}
		aliases := outputAliases(stmt)
		for i := 0; i < len(stmt); i++ {
			if !isName(stmt[i]) || at(stmt, i-1).IsPunct(".") || !at(stmt, i+1).IsPunct(".") {
				continue
			}
			start, end := i, i
			for at(stmt, end+1).IsPunct(".") && isName(at(stmt, end+2)) {
				end += 2
			}
			i = end
			column := stmt[end]
			if end == start || tableParts.Contains(column.Offset) || at(stmt, end+1).IsPunct("(") {
				continue
			}
			name := schema.NormalizeTableName(column.Text)
			if known.Contains(name) || aliases.Contains(name) || reported.Contains(name) {
				continue
			}
			reported.Add(name)
			findings = append(findings, Finding{
				Kind:     KindUnknownColumn,
				Message:  fmt.Sprintf("column %s is not declared by any supplied table", name),
				Fragment: column.Text,
				Offset:   column.Offset,
			})
		}
	}
	return findings
}

// outputAliases collects names introduced with AS, which covers projection
// aliases and CTE and derived-table names.
func outputAliases(stmt []sqllex.Token) mapset.Set[string] {
	aliases := mapset.NewThreadUnsafeSet[string]()
	for i, tok := range stmt {
		if tok.Is("AS") && isName(at(stmt, i+1)) {
			aliases.Add(schema.NormalizeTableName(at(stmt, i+1).Text))
		}
	}
	return aliases.Union(cteNames(stmt))
}

// ShortName normalizes a possibly schema-qualified table name and returns
// its last segment.
func ShortName(name string) string {
	name = schema.NormalizeTableName(name)
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = schema.NormalizeTableName(name[idx+1:])
	}
	return name
}

// TableRefs returns the table names referenced after FROM and JOIN in
// sqlText, in order of appearance. Qualified names yield their last part.
func TableRefs(sqlText string) []string {
	tokens, err := sqllex.Tokenize(sqlText)
	if err != nil {
		return nil
	}
	var out []string
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, stmt := range sqllex.Statements(sqllex.Significant(tokens)) {
		ctes := cteNames(stmt)
		for _, ref := range tableRefs(stmt) {
			name := schema.NormalizeTableName(ref.Text)
			if ctes.Contains(name) || seen.Contains(name) {
				continue
			}
			seen.Add(name)
			out = append(out, name)
		}
	}
	return out
}

func tableRefs(stmt []sqllex.Token) []sqllex.Token {
	var refs []sqllex.Token
	for i := 0; i < len(stmt); i++ {
		tok := stmt[i]
		if !tok.Is("FROM") && !tok.Is("JOIN") {
			continue
		}
		if tok.Is("FROM") && !sourceFrom(stmt, i) {
			continue
		}
		j := i + 1
		for {
			name, end, ok := qualifiedName(stmt, j)
			if !ok {
				break
			}
			if at(stmt, end).IsPunct("(") {
				break
			}
			refs = append(refs, name)
			j = end
			if at(stmt, j).Is("AS") {
				j++
			}
			if alias := at(stmt, j); alias.Kind == sqllex.KindQuotedIdent || (alias.Kind == sqllex.KindIdent && !clauseKeywords.Contains(alias.Upper())) {
				j++
			}
			if !tok.Is("FROM") || !at(stmt, j).IsPunct(",") {
				break
			}
			j++
		}
	}
	return refs
}

// sourceFrom reports whether the FROM at i introduces a table source rather
// than an argument separator as in EXTRACT(YEAR FROM ts) or IS DISTINCT FROM.
func sourceFrom(stmt []sqllex.Token, i int) bool {
	if at(stmt, i-1).Is("DISTINCT") && (at(stmt, i-2).Is("IS") || at(stmt, i-2).Is("NOT")) {
		return false
	}
	depth := 0
	for j := i - 1; j >= 0; j-- {
		switch {
		case stmt[j].IsPunct(")"):
			depth++
		case stmt[j].IsPunct("("):
			if depth == 0 {
				return !argumentFromFunctions.Contains(at(stmt, j-1).Upper())
			}
			depth--
		}
	}
	return true
}

// qualifiedName reads ident(.ident)* at i and returns its last part and the
// index after it.
func qualifiedName(stmt []sqllex.Token, i int) (sqllex.Token, int, bool) {
	tok := at(stmt, i)
	if !isName(tok) {
		return sqllex.Token{}, i, false
	}
	last := tok
	j := i + 1
	for at(stmt, j).IsPunct(".") && isName(at(stmt, j+1)) {
		last = at(stmt, j+1)
		j += 2
	}
	return last, j, true
}

func isName(tok sqllex.Token) bool {
	if tok.Kind == sqllex.KindQuotedIdent {
		return true
	}
	return tok.Kind == sqllex.KindIdent && !clauseKeywords.Contains(tok.Upper()) && !tok.Is("LATERAL")
}

func cteNames(stmt []sqllex.Token) mapset.Set[string] {
	names := mapset.NewThreadUnsafeSet[string]()
	if len(stmt) == 0 || !stmt[0].Is("WITH") {
		return names
	}
	depths := sqllex.Depths(stmt)
	for i := 1; i < len(stmt); i++ {
		if depths[i] != 0 {
			continue
		}
		if stmt[i].Is("SELECT") {
			break
		}
		prev := stmt[i-1]
		if !(prev.Is("WITH") || prev.Is("RECURSIVE") || prev.IsPunct(",")) || !isName(stmt[i]) {
			continue
		}
		next := at(stmt, i+1)
		if (next.Is("AS") && at(stmt, i+2).IsPunct("(")) || next.IsPunct("(") {
			names.Add(schema.NormalizeTableName(stmt[i].Text))
		}
	}
	return names
}

func leadingVerb(stmt []sqllex.Token) sqllex.Token {
	for _, tok := range stmt {
		if tok.IsPunct("(") {
			continue
		}
		return tok
	}
	return sqllex.Token{}
}

func at(tokens []sqllex.Token, i int) sqllex.Token {
	if i < 0 || i >= len(tokens) {
		return sqllex.Token{Kind: sqllex.KindOther}
	}
	return tokens[i]
}

func isLiteral(tok sqllex.Token) bool {
	return tok.Kind == sqllex.KindNumber || tok.Kind == sqllex.KindString
}

func literalValue(tok sqllex.Token) string {
	if tok.Kind == sqllex.KindString {
		return strings.Trim(tok.Text, "'")
	}
	return tok.Text
}

func joinTokens(tokens []sqllex.Token) string {
	parts := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		parts = append(parts, tok.Text)
	}
	return strings.Join(parts, " ")
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 60 {
		return text[:60] + "..."
	}
	return text
}
