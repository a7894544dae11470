package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/config"
	"github.com/sqlpilot/sqlpilot/internal/feedback"
	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/optimizer"
	"github.com/sqlpilot/sqlpilot/internal/pipeline"
	"github.com/sqlpilot/sqlpilot/internal/query"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/validator"
)

const maxRequestBytes = 1 << 20

type ReadinessCheck func(ctx context.Context) error

// Generator runs the question-to-SQL pipeline.
type Generator interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	Explain(ctx context.Context, question, sqlText string) (string, error)
}

type SQLValidator interface {
	ValidateInScope(sqlText string, level validator.Level, scope validator.Scope) validator.Report
}

type SQLOptimizer interface {
	Optimize(sqlText string, level optimizer.Level, hints optimizer.Hints) optimizer.Report
}

// DefinitionLookup resolves table definitions for optimizer hints.
type DefinitionLookup interface {
	LookupDefinition(ctx context.Context, tableName string) (string, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration

	Generator   Generator
	Validator   SQLValidator
	Optimizer   SQLOptimizer
	Schema      DefinitionLookup
	QueryEngine query.Engine
	Feedback    feedback.Sink

	// Defaults apply when a request omits its level.
	DefaultValidation   validator.Level
	DefaultOptimization optimizer.Level
}

type handler struct {
	deps Dependencies
	cfg  config.Config
	runs *semaphore.Weighted
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	if deps.Feedback == nil {
		deps.Feedback = feedback.Discard{}
	}
	maxRuns := cfg.HTTP.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 1
	}
	h := &handler{deps: deps, cfg: cfg, runs: semaphore.NewWeighted(int64(maxRuns))}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := []struct {
		pattern string
		role    string
		handle  http.HandlerFunc
	}{
		{"POST /v1/generate", auth.RoleQueryGenerator, h.handleGenerate},
		{"POST /v1/validate", auth.RoleQueryGenerator, h.handleValidate},
		{"POST /v1/optimize", auth.RoleQueryGenerator, h.handleOptimize},
		{"POST /v1/execute", auth.RoleQueryExecutor, h.handleExecute},
		{"POST /v1/feedback", auth.RoleFeedbackWriter, h.handleFeedback},
	}

	protected := http.NewServeMux()
	for _, route := range routes {
		protected.Handle(route.pattern, auth.RequireRole(route.role, route.handle))
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for _, route := range routes {
		mux.Handle(route.pattern, protectedHandler)
	}

	// Trace must wrap logging so the logger sees the request's trace id.
	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		switch cfg.Store.Kind {
		case "postgres":
			if cfg.Store.DSN == "" {
				return errors.New("schema store dsn is not configured")
			}
		case "memory":
			if cfg.Store.CorpusPath == "" {
				return errors.New("schema corpus path is not configured")
			}
		}
		return nil
	}
}

// CheckPing adapts a dependency ping into a readiness check.
func CheckPing(name string, ping func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

// decodeBody reads a JSON request body, rejecting unknown fields and
// trailing data. It writes the error response itself and reports success.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	err := decoder.Decode(dst)
	if err == nil && decoder.Decode(&struct{}{}) != io.EOF {
		err = errors.New("request body must contain a single JSON object")
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

// optimizerHints resolves column lists and cardinality hints for tables.
// Unknown tables are skipped.
func (h *handler) optimizerHints(ctx context.Context, tables []string, rowLimit int) optimizer.Hints {
	hints := optimizer.Hints{Columns: map[string][]string{}, RowLimit: rowLimit}
	if h.deps.Schema == nil || len(tables) == 0 {
		return hints
	}
	for _, table := range tables {
		definition, err := h.deps.Schema.LookupDefinition(ctx, table)
		if err != nil {
			if !errors.Is(err, schema.ErrNotFound) && h.deps.Logger != nil {
				h.deps.Logger.WarnContext(ctx, "table definition lookup failed", slog.String("table", table), slog.String("error", err.Error()))
			}
			continue
		}
		name := schema.NormalizeTableName(table)
		hints.Columns[name] = schema.ParseColumns(definition)
	}
	if provider, ok := h.deps.Schema.(schema.HintProvider); ok {
		if cardinality, err := provider.CardinalityHints(ctx, tables); err == nil {
			hints.Cardinality = cardinality
		}
	}
	return hints
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
