// Package sqlpilotctl implements the sqlpilotctl command-line client.
package sqlpilotctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// httpError is returned for non-2xx API responses.
type httpError struct {
	Status int
	Body   []byte
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

// Run executes the CLI and returns the process exit code.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root, c := newRoot(defaults)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(stderr, err)
	// Flag, argument and command errors surface before the pre-run hook
	// marks the client ready.
	if !c.ready {
		return 2
	}
	return 1
}

type client struct {
	baseURL string
	apiKey  string
	output  string
	http    *http.Client
	ready   bool
}

// NewRootCmd builds the sqlpilotctl command tree.
func NewRootCmd(defaults Options) *cobra.Command {
	root, _ := newRoot(defaults)
	return root
}

func newRoot(defaults Options) (*cobra.Command, *client) {
	c := &client{}
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "sqlpilotctl",
		Short:         "Client for the sqlpilot API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			switch c.output {
			case "table", "json":
			default:
				return fmt.Errorf("invalid --output %q: expected table or json", c.output)
			}
			c.http = defaults.HTTPClient
			if c.http == nil {
				c.http = &http.Client{Timeout: timeout}
			}
			c.ready = true
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlpilot API base URL")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	root.PersistentFlags().DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "table", "Output format (table|json)")
	_ = root.RegisterFlagCompletionFunc("output", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"table", "json"}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(
		c.newStatusCommand("health", "/v1/health", "Check API liveness"),
		c.newStatusCommand("ready", "/v1/ready", "Check API readiness"),
		c.newGenerateCommand(),
		c.newValidateCommand(),
		c.newOptimizeCommand(),
		c.newExecuteCommand(),
		c.newFeedbackCommand(),
	)
	return root, c
}

func (c *client) newStatusCommand(name, path, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := c.do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), body)
		},
	}
}

func (c *client) newGenerateCommand() *cobra.Command {
	var request struct {
		Question           string `json:"question"`
		ValidationLevel    string `json:"validation_level,omitempty"`
		OptimizationLevel  string `json:"optimization_level,omitempty"`
		RowLimit           int    `json:"row_limit,omitempty"`
		IncludeExplanation bool   `json:"include_explanation,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "generate <question>",
		Short: "Generate SQL for a natural-language question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request.Question = strings.Join(args, " ")
			body, err := c.do(cmd.Context(), http.MethodPost, "/v1/generate", request)
			if err != nil {
				return c.renderFailure(cmd.OutOrStdout(), err)
			}
			if c.output == "json" {
				return writeJSON(cmd.OutOrStdout(), body)
			}
			var result generateResult
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			renderGenerate(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVar(&request.ValidationLevel, "validation-level", "", "basic, standard or strict")
	cmd.Flags().StringVar(&request.OptimizationLevel, "optimization-level", "", "none, standard or aggressive")
	cmd.Flags().IntVar(&request.RowLimit, "row-limit", 0, "LIMIT added to unbounded queries")
	cmd.Flags().BoolVar(&request.IncludeExplanation, "explain", false, "Ask for a plain-language explanation")
	return cmd
}

func (c *client) newValidateCommand() *cobra.Command {
	var request struct {
		SQL    string   `json:"sql"`
		Level  string   `json:"level,omitempty"`
		Tables []string `json:"tables,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "validate <sql>",
		Short: "Validate a SQL statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request.SQL = args[0]
			body, err := c.do(cmd.Context(), http.MethodPost, "/v1/validate", request)
			if err != nil {
				return err
			}
			if c.output == "json" {
				return writeJSON(cmd.OutOrStdout(), body)
			}
			var report validationReport
			if err := json.Unmarshal(body, &report); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			renderValidation(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&request.Level, "level", "", "basic, standard or strict")
	cmd.Flags().StringSliceVar(&request.Tables, "table", nil, "Known table name (repeatable)")
	return cmd
}

func (c *client) newOptimizeCommand() *cobra.Command {
	var request struct {
		SQL      string   `json:"sql"`
		Level    string   `json:"level,omitempty"`
		Tables   []string `json:"tables,omitempty"`
		RowLimit int      `json:"row_limit,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "optimize <sql>",
		Short: "Optimize a SQL statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request.SQL = args[0]
			body, err := c.do(cmd.Context(), http.MethodPost, "/v1/optimize", request)
			if err != nil {
				return err
			}
			if c.output == "json" {
				return writeJSON(cmd.OutOrStdout(), body)
			}
			var report optimizationReport
			if err := json.Unmarshal(body, &report); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			renderOptimization(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&request.Level, "level", "", "none, standard or aggressive")
	cmd.Flags().StringSliceVar(&request.Tables, "table", nil, "Table whose columns may replace SELECT * (repeatable)")
	cmd.Flags().IntVar(&request.RowLimit, "row-limit", 0, "LIMIT added to unbounded queries")
	return cmd
}

func (c *client) newExecuteCommand() *cobra.Command {
	var request struct {
		SQL      string `json:"sql"`
		RowLimit int    `json:"row_limit,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "execute <sql>",
		Short: "Execute a read-only query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request.SQL = args[0]
			body, err := c.do(cmd.Context(), http.MethodPost, "/v1/execute", request)
			if err != nil {
				return c.renderFailure(cmd.OutOrStdout(), err)
			}
			if c.output == "json" {
				return writeJSON(cmd.OutOrStdout(), body)
			}
			var result executeResult
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			renderRows(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().IntVar(&request.RowLimit, "row-limit", 0, "Maximum rows to return")
	return cmd
}

func (c *client) newFeedbackCommand() *cobra.Command {
	var request struct {
		Question     string   `json:"question"`
		SQL          string   `json:"sql,omitempty"`
		CorrectedSQL string   `json:"corrected_sql,omitempty"`
		Outcome      string   `json:"outcome"`
		Notes        string   `json:"notes,omitempty"`
		Tables       []string `json:"tables,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record feedback on a generated query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := c.do(cmd.Context(), http.MethodPost, "/v1/feedback", request)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&request.Question, "question", "", "Question the query answers")
	cmd.Flags().StringVar(&request.SQL, "sql", "", "Generated SQL")
	cmd.Flags().StringVar(&request.CorrectedSQL, "corrected-sql", "", "Human-corrected SQL")
	cmd.Flags().StringVar(&request.Outcome, "outcome", "", "generated, corrected or rejected")
	cmd.Flags().StringVar(&request.Notes, "notes", "", "Free-form notes")
	cmd.Flags().StringSliceVar(&request.Tables, "table", nil, "Table used by the query (repeatable)")
	_ = cmd.MarkFlagRequired("question")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func (c *client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(c.apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &httpError{Status: resp.StatusCode, Body: responseBody}
	}
	return responseBody, nil
}

// renderFailure prints validation findings carried by an error envelope
// before returning the error.
func (c *client) renderFailure(w io.Writer, err error) error {
	var httpErr *httpError
	if c.output != "table" || !errors.As(err, &httpErr) {
		return err
	}
	var envelope errorEnvelope
	if json.Unmarshal(httpErr.Body, &envelope) != nil || len(envelope.Context.Findings) == 0 {
		return err
	}
	renderFindings(w, envelope.Context.Findings)
	return fmt.Errorf("%s: %s", envelope.ErrorCode, envelope.Message)
}

func writeJSON(w io.Writer, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		_, _ = fmt.Fprintln(w, string(raw))
		return nil
	}
	formatted, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, string(formatted))
	return nil
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
