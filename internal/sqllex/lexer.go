// Package sqllex splits SQL text into a flat token stream. It does not build a
// syntax tree; the validator and optimizer work directly on tokens.
package sqllex

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

type Kind int

const (
	KindWhitespace Kind = iota
	KindLineComment
	KindBlockComment
	KindString
	KindQuotedIdent
	KindNumber
	KindIdent
	KindParam
	KindOperator
	KindPunct
	// Unterminated string, quoted identifier or block comment.
	KindUnterminated
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindWhitespace:
		return "whitespace"
	case KindLineComment:
		return "line_comment"
	case KindBlockComment:
		return "block_comment"
	case KindString:
		return "string"
	case KindQuotedIdent:
		return "quoted_ident"
	case KindNumber:
		return "number"
	case KindIdent:
		return "ident"
	case KindParam:
		return "param"
	case KindOperator:
		return "operator"
	case KindPunct:
		return "punct"
	case KindUnterminated:
		return "unterminated"
	default:
		return "other"
	}
}

type Token struct {
	Kind   Kind
	Text   string
	Offset int
}

// Upper returns the upper-cased text for identifiers and the raw text otherwise.
func (t Token) Upper() string {
	if t.Kind == KindIdent {
		return strings.ToUpper(t.Text)
	}
	return t.Text
}

// Is reports whether the token is the keyword kw (case-insensitive).
func (t Token) Is(kw string) bool {
	return t.Kind == KindIdent && strings.EqualFold(t.Text, kw)
}

func (t Token) IsPunct(text string) bool {
	return t.Kind == KindPunct && t.Text == text
}

func (t Token) IsComment() bool {
	return t.Kind == KindLineComment || t.Kind == KindBlockComment
}

var definition = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "LineComment", Pattern: `(?:--|#)[^\n]*`},
	{Name: "BlockComment", Pattern: `/\*(?:[^*]|\*+[^*/])*\*+/`},
	{Name: "String", Pattern: `[NnEe]?'(?:[^'\\]|''|\\.)*'`},
	{Name: "QuotedIdent", Pattern: "`[^`]*`|\"(?:[^\"]|\"\")*\"|\\[[^\\]]*\\]"},
	{Name: "Unterminated", Pattern: "(?s)'.*|`.*|\".*|/\\*.*"},
	{Name: "Number", Pattern: `(?:\d+\.\d*|\.\d+|\d+)(?:[eE][-+]?\d+)?`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_$]*`},
	{Name: "Param", Pattern: `\?|[:@$][A-Za-z0-9_]+`},
	{Name: "Operator", Pattern: `<>|!=|<=|>=|\|\||::|->>|->|[-+*/%=<>~^&|!]`},
	{Name: "Punct", Pattern: `[(),;.]`},
	{Name: "Other", Pattern: `.`},
})

var kindBySymbol = func() map[lexer.TokenType]Kind {
	names := map[string]Kind{
		"Whitespace":   KindWhitespace,
		"LineComment":  KindLineComment,
		"BlockComment": KindBlockComment,
		"String":       KindString,
		"QuotedIdent":  KindQuotedIdent,
		"Unterminated": KindUnterminated,
		"Number":       KindNumber,
		"Ident":        KindIdent,
		"Param":        KindParam,
		"Operator":     KindOperator,
		"Punct":        KindPunct,
		"Other":        KindOther,
	}
	out := make(map[lexer.TokenType]Kind, len(names))
	for name, tokenType := range definition.Symbols() {
		if kind, ok := names[name]; ok {
			out[tokenType] = kind
		}
	}
	return out
}()

// Tokenize returns every token of sqlText, including whitespace and comments,
// so that concatenating the token texts reproduces the input.
func Tokenize(sqlText string) ([]Token, error) {
	lex, err := definition.Lex("", strings.NewReader(sqlText))
	if err != nil {
		return nil, fmt.Errorf("lex sql: %w", err)
	}
	raw, err := lexer.ConsumeAll(lex)
	if err != nil {
		return nil, fmt.Errorf("lex sql: %w", err)
	}

	tokens := make([]Token, 0, len(raw))
	for _, tok := range raw {
		if tok.EOF() {
			continue
		}
		kind, ok := kindBySymbol[tok.Type]
		if !ok {
			kind = KindOther
		}
		tokens = append(tokens, Token{Kind: kind, Text: tok.Value, Offset: tok.Pos.Offset})
	}
	return tokens, nil
}

// Significant drops whitespace and comments.
func Significant(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, tok := range tokens {
		if tok.Kind == KindWhitespace || tok.IsComment() {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Statements splits significant tokens on top-level semicolons. Empty
// statements (for example a single trailing semicolon) are dropped.
func Statements(tokens []Token) [][]Token {
	var (
		out     [][]Token
		current []Token
		depth   int
	)
	for _, tok := range tokens {
		switch {
		case tok.IsPunct("("):
			depth++
		case tok.IsPunct(")"):
			if depth > 0 {
				depth--
			}
		case tok.IsPunct(";") && depth == 0:
			if len(current) > 0 {
				out = append(out, current)
			}
			current = nil
			continue
		}
		current = append(current, tok)
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// Depths returns the parenthesis nesting depth of each token.
func Depths(tokens []Token) []int {
	depths := make([]int, len(tokens))
	depth := 0
	for i, tok := range tokens {
		if tok.IsPunct(")") && depth > 0 {
			depth--
		}
		depths[i] = depth
		if tok.IsPunct("(") {
			depth++
		}
	}
	return depths
}

// Render concatenates token texts.
func Render(tokens []Token) string {
	var b strings.Builder
	for _, tok := range tokens {
		b.WriteString(tok.Text)
	}
	return b.String()
}
