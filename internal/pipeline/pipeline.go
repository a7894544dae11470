// Package pipeline turns a question into validated SQL: retrieve schema
// context, prompt the model, validate the candidate and repair it with the
// validator's findings, then optimize the accepted query.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sqlpilot/sqlpilot/internal/feedback"
	"github.com/sqlpilot/sqlpilot/internal/gateway"
	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/optimizer"
	"github.com/sqlpilot/sqlpilot/internal/prompt"
	"github.com/sqlpilot/sqlpilot/internal/retriever"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/validator"
)

const DefaultMaxAttempts = 3

// WarningNoSchemaContext is reported when retrieval found no table.
const WarningNoSchemaContext = "no_schema_context"

type Reason string

const (
	ReasonInvalidRequest        Reason = "invalid_request"
	ReasonSchemaUnavailable     Reason = "schema_unavailable"
	ReasonGenerationUnavailable Reason = "generation_unavailable"
	ReasonValidationFailed      Reason = "validation_failed"
	ReasonCanceled              Reason = "canceled"
)

// Error is returned by Run for every failed run.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Request struct {
	Question     string
	Validation   validator.Level
	Optimization optimizer.Level
	// RowLimitHint lets the optimizer add a LIMIT to unbounded queries.
	RowLimitHint int
}

type Attempt struct {
	Index     int              `json:"index"`
	Prompt    string           `json:"-"`
	RawOutput string           `json:"raw_output,omitempty"`
	SQL       string           `json:"sql"`
	Report    validator.Report `json:"validation"`
}

type Result struct {
	ID            string            `json:"id"`
	Success       bool              `json:"success"`
	SQL           string            `json:"sql,omitempty"`
	Validation    validator.Report  `json:"validation"`
	Optimization  *optimizer.Report `json:"optimization,omitempty"`
	Attempts      []Attempt         `json:"attempts"`
	AttemptCount  int               `json:"attempt_count"`
	Failure       Reason            `json:"failure,omitempty"`
	Warnings      []string          `json:"warnings"`
	LowConfidence bool              `json:"low_confidence"`
	Tables        []string          `json:"tables"`
	Backend       string            `json:"backend"`
	Model         string            `json:"model"`
	DurationMs    int64             `json:"duration_ms"`
}

type Retriever interface {
	Retrieve(ctx context.Context, question string, topK int) (retriever.Retrieval, error)
}

type PromptBuilder interface {
	Build(in prompt.Input) string
	BuildExplanation(question, sqlText string) string
}

type Generator interface {
	Generate(ctx context.Context, prompt string, opts gateway.Options) (gateway.Completion, error)
	Backend() string
	Model() string
}

type Validator interface {
	ValidateInScope(sqlText string, level validator.Level, scope validator.Scope) validator.Report
}

type Optimizer interface {
	Optimize(sqlText string, level optimizer.Level, hints optimizer.Hints) optimizer.Report
}

// Deps are the shared, read-only collaborators of every run. Hints and
// Feedback are optional.
type Deps struct {
	Retriever Retriever
	Prompts   PromptBuilder
	Generator Generator
	Validator Validator
	Optimizer Optimizer
	Hints     schema.HintProvider
	Feedback  feedback.Sink
}

type Config struct {
	MaxAttempts int
	TopK        int
	Generation  gateway.Options
}

type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	switch {
	case deps.Retriever == nil:
		return nil, fmt.Errorf("retriever is required")
	case deps.Prompts == nil:
		return nil, fmt.Errorf("prompt builder is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("generator is required")
	case deps.Validator == nil:
		return nil, fmt.Errorf("validator is required")
	case deps.Optimizer == nil:
		return nil, fmt.Errorf("optimizer is required")
	}
	if deps.Feedback == nil {
		deps.Feedback = feedback.Discard{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retriever.DefaultTopK
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger, now: time.Now}, nil
}

func (p *Pipeline) MaxAttempts() int { return p.cfg.MaxAttempts }

// run carries the state of one Run call.
type run struct {
	p      *Pipeline
	req    Request
	result Result
	scope  validator.Scope
	span   trace.Span
	start  time.Time
}

// Run executes one request. A failed run returns the partial Result together
// with an *Error; the Result always carries the last attempt's findings.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("sqlpilot.validation_level", req.Validation.String()),
		attribute.String("sqlpilot.optimization_level", req.Optimization.String()),
	))
	defer span.End()

	r := &run{
		p:     p,
		req:   req,
		span:  span,
		start: p.now(),
		result: Result{
			ID:       uuid.NewString(),
			Attempts: []Attempt{},
			Warnings: []string{},
			Tables:   []string{},
			Backend:  p.deps.Generator.Backend(),
			Model:    p.deps.Generator.Model(),
		},
	}
	r.result.Validation = validator.Report{Level: req.Validation, Findings: []validator.Finding{}}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return r.fail(ctx, ReasonInvalidRequest, fmt.Errorf("question is required"))
	}

	retrieval, err := p.retrieve(ctx, question)
	if err != nil {
		if ctx.Err() != nil {
			return r.fail(ctx, ReasonCanceled, ctx.Err())
		}
		return r.fail(ctx, ReasonSchemaUnavailable, err)
	}
	r.result.Tables = retrieval.TableNames()
	r.scope = validator.ScopeFromFragments(retrieval.Fragments)
	r.result.Warnings = append(r.result.Warnings, retrieval.Warnings...)
	if retrieval.Empty() {
		r.result.LowConfidence = true
		r.result.Warnings = append(r.result.Warnings, WarningNoSchemaContext)
		observability.IncrementLowConfidence()
		p.logger.WarnContext(ctx, "no schema context for question; continuing with low confidence")
	}
	hints := p.hints(ctx, retrieval, req.RowLimitHint)

	var (
		rejections []validator.Finding
		previous   string
	)
	for index := 1; index <= p.cfg.MaxAttempts; index++ {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, ReasonCanceled, err)
		}

		promptText := p.deps.Prompts.Build(prompt.Input{
			Question:   question,
			Fragments:  retrieval.Fragments,
			Examples:   retrieval.Examples,
			Level:      req.Validation,
			Rejections: rejections,
			Previous:   previous,
		})
		completion, err := p.generate(ctx, promptText, index)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return r.fail(ctx, ReasonCanceled, err)
			}
			return r.fail(ctx, ReasonGenerationUnavailable, err)
		}

		attempt := Attempt{Index: index, Prompt: promptText, RawOutput: completion.Raw, SQL: completion.Text}
		attempt.Report = p.validate(ctx, completion.Text, completion.Raw, req.Validation, r.scope)
		r.result.Attempts = append(r.result.Attempts, attempt)
		r.result.AttemptCount = len(r.result.Attempts)
		r.result.Validation = attempt.Report

		if attempt.Report.Valid {
			r.accept(ctx, attempt, hints)
			return r.result, nil
		}

		p.logger.WarnContext(ctx, "generated query rejected",
			slog.Int("attempt", index),
			slog.Int("max_attempts", p.cfg.MaxAttempts),
			slog.String("risk", attempt.Report.Risk.String()),
			slog.Int("findings", len(attempt.Report.Findings)),
		)
		rejections = attempt.Report.Findings
		previous = completion.Text
	}

	return r.fail(ctx, ReasonValidationFailed, fmt.Errorf("no valid query after %d attempt(s)", len(r.result.Attempts)))
}

func (p *Pipeline) retrieve(ctx context.Context, question string) (retriever.Retrieval, error) {
	ctx, span := observability.Tracer().Start(ctx, "pipeline.retrieve")
	defer span.End()

	retrieval, err := p.deps.Retriever.Retrieve(ctx, question, p.cfg.TopK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		return retriever.Retrieval{}, err
	}
	span.SetAttributes(attribute.Int("sqlpilot.tables", len(retrieval.Fragments)))
	return retrieval, nil
}

// hints collects the optimizer's schema knowledge. Cardinality lookups are
// best effort.
func (p *Pipeline) hints(ctx context.Context, retrieval retriever.Retrieval, rowLimit int) optimizer.Hints {
	hints := optimizer.Hints{Columns: map[string][]string{}, RowLimit: rowLimit}
	for _, fragment := range retrieval.Fragments {
		if columns := fragment.Columns(); len(columns) > 0 {
			hints.Columns[fragment.Name] = columns
		}
	}
	if p.deps.Hints == nil || retrieval.Empty() {
		return hints
	}
	cardinality, err := p.deps.Hints.CardinalityHints(ctx, retrieval.TableNames())
	if err != nil {
		p.logger.WarnContext(ctx, "cardinality hints unavailable", slog.String("error", err.Error()))
		return hints
	}
	hints.Cardinality = cardinality
	return hints
}

func (p *Pipeline) generate(ctx context.Context, promptText string, attempt int) (gateway.Completion, error) {
	ctx, span := observability.Tracer().Start(ctx, "pipeline.generate", trace.WithAttributes(
		attribute.Int("sqlpilot.attempt", attempt),
	))
	defer span.End()

	completion, err := p.deps.Generator.Generate(ctx, promptText, p.cfg.Generation)
	span.SetAttributes(attribute.Int("sqlpilot.model_calls", completion.Calls))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return completion, err
	}
	p.logger.DebugContext(ctx, "model returned candidate",
		slog.Int("attempt", attempt),
		slog.Int("calls", completion.Calls),
		slog.Bool("extracted", completion.Text != ""),
	)
	return completion, nil
}

func (p *Pipeline) validate(ctx context.Context, sqlText, raw string, level validator.Level, scope validator.Scope) validator.Report {
	_, span := observability.Tracer().Start(ctx, "pipeline.validate")
	defer span.End()

	var report validator.Report
	if strings.TrimSpace(sqlText) == "" {
		report = validator.Unparsable(level, raw)
	} else {
		report = p.deps.Validator.ValidateInScope(sqlText, level, scope)
	}
	for _, finding := range report.Findings {
		observability.ObserveValidationFinding(string(finding.Kind))
	}
	span.SetAttributes(
		attribute.Bool("sqlpilot.valid", report.Valid),
		attribute.String("sqlpilot.risk", report.Risk.String()),
	)
	return report
}

// accept optimizes a valid attempt, re-validates the rewrite and finishes the
// run successfully.
func (r *run) accept(ctx context.Context, attempt Attempt, hints optimizer.Hints) {
	p := r.p
	final, finalReport := attempt.SQL, attempt.Report

	if r.req.Optimization > optimizer.LevelNone {
		_, span := observability.Tracer().Start(ctx, "pipeline.optimize")
		report := p.deps.Optimizer.Optimize(final, r.req.Optimization, hints)
		if report.SQL != final {
			recheck := p.deps.Validator.ValidateInScope(report.SQL, r.req.Validation, r.scope)
			if recheck.Valid {
				final, finalReport = report.SQL, recheck
			} else {
				p.logger.WarnContext(ctx, "optimized query failed validation; keeping original",
					slog.Int("findings", len(recheck.Findings)),
				)
				report.Notes = append(report.Notes, optimizer.Note{
					Kind:    optimizer.NoteSkipped,
					Rule:    "revalidation",
					Message: "the optimized query failed validation, so the unoptimized query was kept",
				})
				report.SQL = final
				report.Applied = []string{}
				report.EstimatedImprovement = 0
			}
		}
		span.SetAttributes(attribute.Int("sqlpilot.rewrites", len(report.Applied)))
		span.End()
		r.result.Optimization = &report
	}

	r.result.Success = true
	r.result.SQL = final
	r.result.Validation = finalReport
	r.result.DurationMs = p.now().Sub(r.start).Milliseconds()

	p.emit(ctx, r.req, r.result)
	observability.ObservePipelineRun("succeeded", r.result.AttemptCount, p.now().Sub(r.start))
	r.span.SetAttributes(attribute.Int("sqlpilot.attempts", r.result.AttemptCount))
	p.logger.InfoContext(ctx, "pipeline succeeded",
		slog.String("run_id", r.result.ID),
		slog.Int("attempts", r.result.AttemptCount),
		slog.Bool("low_confidence", r.result.LowConfidence),
	)
}

func (r *run) fail(ctx context.Context, reason Reason, err error) (Result, error) {
	p := r.p
	r.result.Success = false
	r.result.Failure = reason
	r.result.DurationMs = p.now().Sub(r.start).Milliseconds()

	observability.ObservePipelineRun(string(reason), r.result.AttemptCount, p.now().Sub(r.start))
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, string(reason))

	level := slog.LevelWarn
	if reason == ReasonSchemaUnavailable || reason == ReasonGenerationUnavailable {
		level = slog.LevelError
	}
	p.logger.Log(ctx, level, "pipeline failed",
		slog.String("run_id", r.result.ID),
		slog.String("reason", string(reason)),
		slog.Int("attempts", r.result.AttemptCount),
		slog.String("error", err.Error()),
	)
	return r.result, &Error{Reason: reason, Err: err}
}

// emit records a successful run. Sink failures are logged only.
func (p *Pipeline) emit(ctx context.Context, req Request, result Result) {
	record := feedback.NewRecord(strings.TrimSpace(req.Question), result.SQL, feedback.OutcomeGenerated)
	record.Attempts = result.AttemptCount
	record.Level = req.Validation.String()
	record.Tables = result.Tables
	if err := p.deps.Feedback.Emit(ctx, record); err != nil {
		sink := "feedback"
		var sinkErr *feedback.SinkError
		if errors.As(err, &sinkErr) {
			sink = sinkErr.Sink
		}
		observability.IncrementFeedbackEmitFailure(sink)
		p.logger.WarnContext(ctx, "feedback emit failed", slog.String("error", err.Error()))
	}
}

// Explain asks the model for a short description of sqlText. It is not
// retried beyond the gateway's own retries.
func (p *Pipeline) Explain(ctx context.Context, question, sqlText string) (string, error) {
	ctx, span := observability.Tracer().Start(ctx, "pipeline.explain")
	defer span.End()

	completion, err := p.deps.Generator.Generate(ctx, p.deps.Prompts.BuildExplanation(question, sqlText), p.cfg.Generation)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("explain query: %w", err)
	}
	return strings.TrimSpace(completion.Raw), nil
}
