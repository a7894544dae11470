package sqlpilotctl

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Response shapes mirror the API's JSON; levels and risks stay strings so
// the client does not depend on server packages.

type finding struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Fragment string `json:"fragment"`
	Offset   int    `json:"offset"`
}

type validationReport struct {
	Valid      bool      `json:"valid"`
	Risk       string    `json:"risk"`
	Level      string    `json:"level"`
	Findings   []finding `json:"findings"`
	Complexity struct {
		Score int    `json:"score"`
		Level string `json:"level"`
	} `json:"complexity"`
}

type optimizationReport struct {
	SQL     string   `json:"sql"`
	Level   string   `json:"level"`
	Applied []string `json:"applied"`
	Notes   []struct {
		Kind    string `json:"kind"`
		Rule    string `json:"rule"`
		Message string `json:"message"`
	} `json:"notes"`
	EstimatedImprovement int `json:"estimated_improvement"`
}

type generateResult struct {
	ID            string              `json:"id"`
	Success       bool                `json:"success"`
	SQL           string              `json:"sql"`
	Validation    validationReport    `json:"validation"`
	Optimization  *optimizationReport `json:"optimization"`
	AttemptCount  int                 `json:"attempt_count"`
	Warnings      []string            `json:"warnings"`
	LowConfidence bool                `json:"low_confidence"`
	Tables        []string            `json:"tables"`
	Backend       string              `json:"backend"`
	Model         string              `json:"model"`
	DurationMs    int64               `json:"duration_ms"`
	Explanation   string              `json:"explanation"`
}

type executeResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	RowLimit  int      `json:"row_limit"`
	Truncated bool     `json:"truncated"`
	Stats     struct {
		DurationMs int64 `json:"duration_ms"`
	} `json:"stats"`
}

type errorEnvelope struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Context   struct {
		Findings []finding `json:"findings"`
	} `json:"context"`
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderGenerate(w io.Writer, result generateResult) {
	_, _ = fmt.Fprintln(w, result.SQL)
	_, _ = fmt.Fprintln(w)

	t := newTable(w)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"run", result.ID})
	t.AppendRow(table.Row{"attempts", result.AttemptCount})
	t.AppendRow(table.Row{"risk", result.Validation.Risk})
	t.AppendRow(table.Row{"complexity", result.Validation.Complexity.Level})
	t.AppendRow(table.Row{"tables", strings.Join(result.Tables, ", ")})
	t.AppendRow(table.Row{"model", strings.Trim(result.Backend+"/"+result.Model, "/")})
	if result.Optimization != nil && len(result.Optimization.Applied) > 0 {
		t.AppendRow(table.Row{"optimizations", strings.Join(result.Optimization.Applied, ", ")})
	}
	if result.LowConfidence {
		t.AppendRow(table.Row{"confidence", "low"})
	}
	if len(result.Warnings) > 0 {
		t.AppendRow(table.Row{"warnings", strings.Join(result.Warnings, ", ")})
	}
	t.AppendRow(table.Row{"duration", fmt.Sprintf("%dms", result.DurationMs)})
	t.Render()

	if result.Explanation != "" {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, result.Explanation)
	}
}

func renderValidation(w io.Writer, report validationReport) {
	status := "valid"
	if !report.Valid {
		status = "invalid"
	}
	_, _ = fmt.Fprintf(w, "%s (level %s, risk %s, complexity %s)\n", status, report.Level, report.Risk, report.Complexity.Level)
	if len(report.Findings) > 0 {
		renderFindings(w, report.Findings)
	}
}

func renderFindings(w io.Writer, findings []finding) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Kind", "Message", "Fragment", "Offset"})
	for _, f := range findings {
		t.AppendRow(table.Row{f.Kind, f.Message, f.Fragment, f.Offset})
	}
	t.Render()
}

func renderOptimization(w io.Writer, report optimizationReport) {
	_, _ = fmt.Fprintln(w, report.SQL)
	if len(report.Notes) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w)
	t := newTable(w)
	t.AppendHeader(table.Row{"Rule", "Kind", "Message"})
	for _, note := range report.Notes {
		t.AppendRow(table.Row{note.Rule, note.Kind, note.Message})
	}
	t.AppendFooter(table.Row{"", "estimated", fmt.Sprintf("%d%%", report.EstimatedImprovement)})
	t.Render()
}

func renderRows(w io.Writer, result executeResult) {
	t := newTable(w)
	header := make(table.Row, len(result.Columns))
	for i, column := range result.Columns {
		header[i] = column
	}
	t.AppendHeader(header)
	for _, row := range result.Rows {
		values := make(table.Row, len(row))
		for i, value := range row {
			if value == nil {
				values[i] = "NULL"
				continue
			}
			values[i] = value
		}
		t.AppendRow(values)
	}
	t.Render()

	suffix := ""
	if result.Truncated {
		suffix = fmt.Sprintf(", truncated at %d", result.RowLimit)
	}
	_, _ = fmt.Fprintf(w, "(%d rows%s, %dms)\n", result.RowCount, suffix, result.Stats.DurationMs)
}
