package gateway

import (
	"context"
	"fmt"
	"strings"
)

// SQLCoderBackend serves a SQL-specialised model through Ollama. Prompts are
// rewritten into the task/schema/answer layout the model was tuned on.
type SQLCoderBackend struct {
	*LocalBackend
}

func NewSQLCoderBackend(cfg LocalConfig) (*SQLCoderBackend, error) {
	local, err := newOllama("sqlcoder", "sqlcoder", cfg)
	if err != nil {
		return nil, err
	}
	return &SQLCoderBackend{LocalBackend: local}, nil
}

func (b *SQLCoderBackend) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	raw, err := b.LocalBackend.Generate(ctx, sqlcoderPrompt(prompt), opts)
	if err != nil {
		return "", err
	}
	return stripAnswerMarker(raw), nil
}

func sqlcoderPrompt(prompt string) string {
	sections := promptSections(prompt)
	question, ok := sections["Question"]
	if !ok {
		question = strings.TrimSpace(prompt)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "### Task\nGenerate a SQL query to answer [QUESTION]%s[/QUESTION]\n\n", question)
	sb.WriteString("### Instructions\n")
	sb.WriteString("- Write a single read-only SELECT statement.\n")
	if glossary := sections["Glossary"]; glossary != "" {
		sb.WriteString(glossary + "\n")
	}
	if previous := sections["Previous attempt"]; previous != "" {
		sb.WriteString(previous + "\n")
	}
	if output := sections["Output"]; output != "" {
		sb.WriteString(output + "\n")
	}
	fmt.Fprintf(&sb, "\n### Database Schema\n%s\n", sections["Tables"])
	if examples := sections["Examples"]; examples != "" {
		fmt.Fprintf(&sb, "\n### Examples\n%s\n", examples)
	}
	fmt.Fprintf(&sb, "\n### Answer\nGiven the database schema, here is the SQL query that answers [QUESTION]%s[/QUESTION]\n[SQL]\n", question)
	return sb.String()
}

// promptSections splits a prompt built by the prompt package into its
// "## Name" sections. Text before the first heading is keyed by "".
func promptSections(prompt string) map[string]string {
	sections := map[string]string{}
	current := ""
	var body []string
	flush := func() {
		sections[current] = strings.TrimSpace(strings.Join(body, "\n"))
		body = body[:0]
	}
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			current = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			continue
		}
		body = append(body, line)
	}
	flush()
	return sections
}

func stripAnswerMarker(raw string) string {
	if idx := strings.LastIndex(raw, "[SQL]"); idx >= 0 {
		raw = raw[idx+len("[SQL]"):]
	} else if idx := strings.LastIndex(raw, "### Answer"); idx >= 0 {
		raw = raw[idx+len("### Answer"):]
	}
	if idx := strings.Index(raw, "[/SQL]"); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.TrimSpace(raw)
}
