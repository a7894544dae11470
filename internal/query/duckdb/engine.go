// Package duckdb executes validated queries against a DuckDB database file
// attached read-only, plus optional parquet-backed views.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/query"
)

const (
	DefaultRowLimit = 1000
	DefaultTimeout  = 30 * time.Second

	warehouseAlias = "warehouse"
)

type Config struct {
	// Path is the DuckDB database file. Empty runs against views only.
	Path string
	// Views maps view names to parquet files or globs.
	Views           map[string][]string
	DefaultRowLimit int
	MaxRowLimit     int
	Timeout         time.Duration
}

// ParseViews reads name=glob|glob entries separated by commas.
func ParseViews(spec string) (map[string][]string, error) {
	views := map[string][]string{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, sources, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parquet view entry %q: expected name=glob", entry)
		}
		for _, source := range strings.Split(sources, "|") {
			if source = strings.TrimSpace(source); source != "" {
				views[name] = append(views[name], source)
			}
		}
		if len(views[name]) == 0 {
			return nil, fmt.Errorf("invalid parquet view entry %q: no sources", entry)
		}
	}
	return views, nil
}

// Engine opens a private in-memory DuckDB instance per request so that no
// statement can change shared state.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.DefaultRowLimit <= 0 {
		cfg.DefaultRowLimit = DefaultRowLimit
	}
	if cfg.MaxRowLimit < cfg.DefaultRowLimit {
		cfg.MaxRowLimit = cfg.DefaultRowLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{cfg: cfg, logger: logger}
}

// RowLimit clamps a requested limit to the engine's bounds.
func (e *Engine) RowLimit(requested int) int {
	switch {
	case requested <= 0:
		return e.cfg.DefaultRowLimit
	case requested > e.cfg.MaxRowLimit:
		return e.cfg.MaxRowLimit
	default:
		return requested
	}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	limit := e.RowLimit(request.RowLimit)
	timeout := e.cfg.Timeout
	if request.Timeout > 0 && request.Timeout < timeout {
		timeout = request.Timeout
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := e.open(ctx)
	if err != nil {
		return query.Result{}, err
	}
	defer func() { _ = db.Close() }()

	// One extra row tells us whether the cap truncated the result.
	wrapped := fmt.Sprintf("SELECT * FROM (%s) AS sqlpilot_result LIMIT %d", sqlText, limit+1)
	rows, err := db.QueryContext(ctx, wrapped)
	if err != nil {
		return query.Result{}, e.queryError(ctx, "execute query", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	result := query.Result{Columns: columns, Rows: make([][]any, 0), RowLimit: limit}
	for rows.Next() {
		if len(result.Rows) == limit {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, e.queryError(ctx, "iterate rows", err)
	}

	result.RowCount = len(result.Rows)
	result.Duration = time.Since(start)
	observability.ObserveExecution(result.RowCount, result.Duration)
	e.logger.DebugContext(ctx, "query executed",
		slog.Int("rows", result.RowCount),
		slog.Bool("truncated", result.Truncated),
		slog.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	return result, nil
}

func (e *Engine) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// Session settings below must stay on the one connection that runs the query.
	db.SetMaxOpenConns(1)

	for _, statement := range e.setupStatements() {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			return nil, e.queryError(ctx, "prepare duckdb session", err)
		}
	}
	return db, nil
}

func (e *Engine) setupStatements() []string {
	names := make([]string, 0, len(e.cfg.Views))
	for name := range e.cfg.Views {
		names = append(names, name)
	}
	sort.Strings(names)

	statements := make([]string, 0, len(names)+2)
	for _, name := range names {
		statements = append(statements, fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(name), quoteStringArray(e.cfg.Views[name])))
	}
	if path := strings.TrimSpace(e.cfg.Path); path != "" {
		statements = append(statements,
			fmt.Sprintf(`ATTACH %s AS %s (READ_ONLY)`, quoteString(path), warehouseAlias),
			fmt.Sprintf(`SET search_path = '%s.main,memory.main'`, warehouseAlias),
		)
	}
	return statements
}

// Ping checks that the database file and every view source can be opened.
func (e *Engine) Ping(ctx context.Context) error {
	db, err := e.open(ctx)
	if err != nil {
		return err
	}
	return db.Close()
}

func (e *Engine) queryError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, query.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, quoteString(value))
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
