package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/feedback"
	"github.com/sqlpilot/sqlpilot/internal/query"
	"github.com/sqlpilot/sqlpilot/internal/validator"
)

type validateRequest struct {
	SQL    string   `json:"sql"`
	Level  string   `json:"level"`
	Tables []string `json:"tables"`
}

func (h *handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Validator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "VALIDATION_NOT_CONFIGURED", "validation is not configured", false, nil)
		return
	}
	var request validateRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	level, _, ok := h.levels(w, r, request.Level, "")
	if !ok {
		return
	}
	scope := validator.Scope{Tables: request.Tables}
	if level >= validator.LevelStrict {
		scope.Columns = h.optimizerHints(r.Context(), request.Tables, 0).Columns
	}
	writeJSON(w, http.StatusOK, h.deps.Validator.ValidateInScope(request.SQL, level, scope))
}

type optimizeRequest struct {
	SQL      string   `json:"sql"`
	Level    string   `json:"level"`
	Tables   []string `json:"tables"`
	RowLimit int      `json:"row_limit"`
}

func (h *handler) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if h.deps.Optimizer == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "OPTIMIZATION_NOT_CONFIGURED", "optimization is not configured", false, nil)
		return
	}
	var request optimizeRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	_, level, ok := h.levels(w, r, "", request.Level)
	if !ok {
		return
	}
	hints := h.optimizerHints(r.Context(), request.Tables, request.RowLimit)
	writeJSON(w, http.StatusOK, h.deps.Optimizer.Optimize(request.SQL, level, hints))
}

type executeRequest struct {
	SQL      string `json:"sql"`
	RowLimit int    `json:"row_limit"`
}

type executeResponse struct {
	query.Result
	Stats map[string]any `json:"stats"`
}

// handleExecute runs a query after validating it at the standard level, or
// at strict when the configured default is strict.
func (h *handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	if h.deps.QueryEngine == nil || h.deps.Validator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXECUTION_NOT_CONFIGURED", "query execution is not configured", false, nil)
		return
	}
	var request executeRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	if request.RowLimit < 0 || request.RowLimit > h.cfg.Execute.MaxRowLimit {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ROW_LIMIT", "row_limit is out of range", false, map[string]any{
			"max_row_limit": h.cfg.Execute.MaxRowLimit,
		})
		return
	}

	level := max(h.deps.DefaultValidation, validator.LevelStandard)
	report := h.deps.Validator.ValidateInScope(request.SQL, level, validator.Scope{})
	if !report.Valid {
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "SQL_NOT_ALLOWED", "query failed validation", false, map[string]any{
			"risk":     report.Risk,
			"findings": report.Findings,
		})
		return
	}

	rowLimit := request.RowLimit
	if rowLimit == 0 {
		rowLimit = h.cfg.Execute.DefaultRowLimit
	}
	result, err := h.deps.QueryEngine.Execute(r.Context(), query.Request{
		SQL:      request.SQL,
		RowLimit: rowLimit,
		Timeout:  h.cfg.Execute.Timeout,
	})
	if err != nil {
		if errors.Is(err, query.ErrTimeout) {
			writeError(r.Context(), w, http.StatusGatewayTimeout, "QUERY_TIMEOUT", "query exceeded its timeout", true, map[string]any{
				"timeout_ms": h.cfg.Execute.Timeout.Milliseconds(),
			})
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "query execution failed", false, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{
		Result: result,
		Stats:  map[string]any{"duration_ms": result.Duration.Milliseconds()},
	})
}

type feedbackRequest struct {
	Question     string   `json:"question"`
	SQL          string   `json:"sql"`
	CorrectedSQL string   `json:"corrected_sql"`
	Outcome      string   `json:"outcome"`
	Notes        string   `json:"notes"`
	Tables       []string `json:"tables"`
}

func (h *handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var request feedbackRequest
	if !decodeBody(w, r, &request) {
		return
	}
	outcome, err := feedback.ParseOutcome(request.Outcome)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_OUTCOME", err.Error(), false, nil)
		return
	}

	record := feedback.NewRecord(strings.TrimSpace(request.Question), strings.TrimSpace(request.SQL), outcome)
	record.CorrectedSQL = strings.TrimSpace(request.CorrectedSQL)
	record.Notes = strings.TrimSpace(request.Notes)
	record.Tables = request.Tables
	if err := record.Validate(); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FEEDBACK", err.Error(), false, nil)
		return
	}

	if err := h.deps.Feedback.Emit(r.Context(), record); err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "FEEDBACK_EMIT_FAILED", "feedback could not be stored", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": record.ID, "outcome": record.Outcome})
}
