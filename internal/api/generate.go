package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/optimizer"
	"github.com/sqlpilot/sqlpilot/internal/pipeline"
	"github.com/sqlpilot/sqlpilot/internal/validator"
)

type generateRequest struct {
	Question           string `json:"question"`
	ValidationLevel    string `json:"validation_level"`
	OptimizationLevel  string `json:"optimization_level"`
	RowLimit           int    `json:"row_limit"`
	IncludeExplanation bool   `json:"include_explanation"`
}

type generateResponse struct {
	pipeline.Result
	Explanation string `json:"explanation,omitempty"`
}

func (h *handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Generator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATION_NOT_CONFIGURED", "query generation is not configured", false, nil)
		return
	}

	var request generateRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	validation, optimization, ok := h.levels(w, r, request.ValidationLevel, request.OptimizationLevel)
	if !ok {
		return
	}
	if request.RowLimit < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ROW_LIMIT", "row_limit must be >= 0", false, nil)
		return
	}

	if !h.runs.TryAcquire(1) {
		writeError(r.Context(), w, http.StatusTooManyRequests, "TOO_MANY_RUNS", "too many concurrent generation runs", true, map[string]any{
			"max_concurrent_runs": h.cfg.HTTP.MaxConcurrentRuns,
		})
		return
	}
	defer h.runs.Release(1)

	result, err := h.deps.Generator.Run(r.Context(), pipeline.Request{
		Question:     request.Question,
		Validation:   validation,
		Optimization: optimization,
		RowLimitHint: request.RowLimit,
	})
	if err != nil {
		writePipelineError(w, r, result, err)
		return
	}

	response := generateResponse{Result: result}
	if request.IncludeExplanation {
		explanation, err := h.deps.Generator.Explain(r.Context(), request.Question, result.SQL)
		if err != nil {
			if h.deps.Logger != nil {
				h.deps.Logger.WarnContext(r.Context(), "explanation failed", slog.String("error", err.Error()))
			}
			response.Result.Warnings = append(response.Result.Warnings, "explanation_unavailable")
		} else {
			response.Explanation = explanation
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// levels parses the request's levels, falling back to the configured defaults.
func (h *handler) levels(w http.ResponseWriter, r *http.Request, rawValidation, rawOptimization string) (validator.Level, optimizer.Level, bool) {
	validation := h.deps.DefaultValidation
	if strings.TrimSpace(rawValidation) != "" {
		parsed, err := validator.ParseLevel(rawValidation)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_VALIDATION_LEVEL", err.Error(), false, nil)
			return 0, 0, false
		}
		validation = parsed
	}
	optimization := h.deps.DefaultOptimization
	if strings.TrimSpace(rawOptimization) != "" {
		parsed, err := optimizer.ParseLevel(rawOptimization)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_OPTIMIZATION_LEVEL", err.Error(), false, nil)
			return 0, 0, false
		}
		optimization = parsed
	}
	return validation, optimization, true
}

func writePipelineError(w http.ResponseWriter, r *http.Request, result pipeline.Result, err error) {
	var runErr *pipeline.Error
	if !errors.As(err, &runErr) {
		writeError(r.Context(), w, http.StatusInternalServerError, "PIPELINE_ERROR", err.Error(), true, nil)
		return
	}

	extra := map[string]any{
		"run_id":   result.ID,
		"attempts": result.AttemptCount,
	}
	switch runErr.Reason {
	case pipeline.ReasonValidationFailed:
		extra["findings"] = result.Validation.Findings
		extra["risk"] = result.Validation.Risk
		if n := len(result.Attempts); n > 0 {
			extra["last_sql"] = result.Attempts[n-1].SQL
		}
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "no generated query passed validation", false, extra)
	case pipeline.ReasonGenerationUnavailable:
		writeError(r.Context(), w, http.StatusServiceUnavailable, "GENERATION_UNAVAILABLE", "model backend is unavailable", true, extra)
	case pipeline.ReasonSchemaUnavailable:
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "schema store is unavailable", true, extra)
	case pipeline.ReasonInvalidRequest:
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", runErr.Err.Error(), false, extra)
	case pipeline.ReasonCanceled:
		writeError(r.Context(), w, http.StatusServiceUnavailable, "CANCELED", "request was canceled", true, extra)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "PIPELINE_ERROR", err.Error(), true, extra)
	}
}
