package gateway

import (
	"regexp"
	"strings"
)

var (
	fencePattern  = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\n?(.*?)(?:```|$)")
	prefixPattern = regexp.MustCompile(`(?i)^(?:sql\s*query|sql|query|answer|response)\s*:\s*`)
	leadPattern   = regexp.MustCompile(`(?i)^\(*\s*(?:(?:SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|MERGE|REPLACE|GRANT|REVOKE|EXEC|EXECUTE|CALL)\b|WITH\s+(?:RECURSIVE\s+)?\S+\s*(?:\([^)]*\)\s*)?AS\b|WITH\s*$)`)
	trailPattern  = regexp.MustCompile(`(?i)^(?:(?:explanation|notes?)\s*:|(?:this|the above|the)\s+(?:query|sql|statement)\b)`)
)

// ExtractSQL pulls the SQL statement out of raw model output. It removes code
// fences, answer prefixes, leading prose and trailing explanations. The result
// is empty when no line of the output begins a SQL statement.
func ExtractSQL(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	if match := fencePattern.FindStringSubmatch(text); match != nil {
		text = strings.TrimSpace(match[1])
	}
	text = strings.ReplaceAll(text, "[/SQL]", "")
	text = strings.ReplaceAll(text, "[SQL]", "")

	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		line = prefixPattern.ReplaceAllString(strings.TrimSpace(line), "")
		if leadPattern.MatchString(line) {
			lines[i] = line
			start = i
			break
		}
		// "Here is the query: SELECT ..." on a single line.
		if idx := strings.Index(line, ":"); idx >= 0 {
			rest := strings.TrimSpace(line[idx+1:])
			if leadPattern.MatchString(rest) {
				lines[i] = rest
				start = i
				break
			}
		}
	}
	if start < 0 {
		return ""
	}

	kept := make([]string, 0, len(lines)-start)
	for _, line := range lines[start:] {
		if len(kept) > 0 && trailPattern.MatchString(strings.TrimSpace(line)) {
			break
		}
		kept = append(kept, strings.TrimRight(line, " \t\r"))
	}

	out := strings.TrimSpace(strings.Join(kept, "\n"))
	return strings.TrimSpace(strings.TrimSuffix(out, ";"))
}
