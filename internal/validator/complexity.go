package validator

import (
	"github.com/sqlpilot/sqlpilot/internal/sqllex"
)

// Complexity is a rough structural score used for reporting and metrics.
type Complexity struct {
	Score      int    `json:"score"`
	Level      string `json:"level"`
	Joins      int    `json:"joins"`
	Subqueries int    `json:"subqueries"`
	Aggregates int    `json:"aggregates"`
}

func measureComplexity(sig []sqllex.Token) Complexity {
	var (
		c               Complexity
		unions, logical int
		cases, windows  int
	)
	for i, tok := range sig {
		if tok.Kind != sqllex.KindIdent {
			continue
		}
		switch tok.Upper() {
		case "JOIN":
			c.Joins++
		case "SELECT":
			if at(sig, i-1).IsPunct("(") {
				c.Subqueries++
			}
		case "UNION", "INTERSECT", "EXCEPT":
			unions++
		case "AND", "OR":
			logical++
		case "CASE":
			cases++
		case "OVER":
			windows++
		default:
			if aggregateFunctions.Contains(tok.Upper()) && at(sig, i+1).IsPunct("(") {
				c.Aggregates++
			}
		}
	}

	c.Score = c.Joins*2 + c.Subqueries*3 + unions*2 + c.Aggregates + logical + cases*2 + windows*3
	switch {
	case c.Score <= 5:
		c.Level = "simple"
	case c.Score <= 15:
		c.Level = "moderate"
	case c.Score <= 30:
		c.Level = "complex"
	default:
		c.Level = "very_complex"
	}
	return c
}
