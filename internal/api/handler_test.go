package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/config"
	"github.com/sqlpilot/sqlpilot/internal/feedback"
	"github.com/sqlpilot/sqlpilot/internal/gateway"
	"github.com/sqlpilot/sqlpilot/internal/optimizer"
	"github.com/sqlpilot/sqlpilot/internal/pipeline"
	"github.com/sqlpilot/sqlpilot/internal/query"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/validator"
)

type fakeGenerator struct {
	mu       sync.Mutex
	requests []pipeline.Request
	result   pipeline.Result
	err      error
	explain  string
	block    chan struct{}
	started  chan struct{}
}

func (f *fakeGenerator) Run(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return f.result, f.err
}

func (f *fakeGenerator) Explain(context.Context, string, string) (string, error) {
	if f.explain == "" {
		return "", gateway.ErrGenerationUnavailable
	}
	return f.explain, nil
}

type fakeEngine struct {
	requests []query.Request
	result   query.Result
	err      error
}

func (f *fakeEngine) Execute(_ context.Context, req query.Request) (query.Result, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

type fakeSchema struct {
	definitions map[string]string
}

func (f fakeSchema) LookupDefinition(_ context.Context, table string) (string, error) {
	definition, ok := f.definitions[table]
	if !ok {
		return "", schema.ErrNotFound
	}
	return definition, nil
}

type recordingSink struct {
	records []feedback.Record
	err     error
}

func (s *recordingSink) Emit(_ context.Context, record feedback.Record) error {
	s.records = append(s.records, record)
	return s.err
}

func loadConfig(t *testing.T, values map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("sqlpilot-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func baseDeps() Dependencies {
	return Dependencies{
		Validator:           validator.New(validator.Options{}),
		Optimizer:           optimizer.New(optimizer.Options{}),
		DefaultValidation:   validator.LevelStandard,
		DefaultOptimization: optimizer.LevelStandard,
	}
}

func post(t *testing.T, h http.Handler, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var decoded map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s response: %v (%s)", path, err, rr.Body.String())
		}
	}
	return rr, decoded
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"service":"sqlpilot-api"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{
		Readiness: CheckPing("model", func(context.Context) error {
			return errors.New("dependency down")
		}),
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "model: dependency down") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "sqlpilot_") {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestGenerateReturnsPipelineResult(t *testing.T) {
	gen := &fakeGenerator{
		result: pipeline.Result{
			ID:           "run-1",
			Success:      true,
			SQL:          "SELECT id, name FROM users WHERE active = 1",
			Validation:   validator.Validate("SELECT id, name FROM users WHERE active = 1", validator.LevelStandard),
			AttemptCount: 1,
			Warnings:     []string{},
			Tables:       []string{"users"},
		},
		explain: "Lists active users.",
	}
	deps := baseDeps()
	deps.Generator = gen
	h := NewHandler(loadConfig(t, nil), deps)

	rr, body := post(t, h, "/v1/generate", `{"question":"active users","validation_level":"strict","optimization_level":"aggressive","row_limit":50,"include_explanation":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if body["sql"] != "SELECT id, name FROM users WHERE active = 1" || body["explanation"] != "Lists active users." {
		t.Fatalf("body = %v", body)
	}
	validation := body["validation"].(map[string]any)
	if validation["valid"] != true || validation["risk"] != "low" {
		t.Fatalf("validation = %v", validation)
	}

	got := gen.requests[0]
	if got.Validation != validator.LevelStrict || got.Optimization != optimizer.LevelAggressive || got.RowLimitHint != 50 {
		t.Fatalf("pipeline request = %+v", got)
	}
}

func TestGenerateUsesDefaultLevels(t *testing.T) {
	gen := &fakeGenerator{result: pipeline.Result{Success: true, SQL: "SELECT 1"}}
	deps := baseDeps()
	deps.Generator = gen
	deps.DefaultValidation = validator.LevelBasic
	deps.DefaultOptimization = optimizer.LevelNone
	h := NewHandler(loadConfig(t, nil), deps)

	rr, body := post(t, h, "/v1/generate", `{"question":"one","include_explanation":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if gen.requests[0].Validation != validator.LevelBasic || gen.requests[0].Optimization != optimizer.LevelNone {
		t.Fatalf("pipeline request = %+v", gen.requests[0])
	}
	warnings, _ := body["warnings"].([]any)
	if len(warnings) != 1 || warnings[0] != "explanation_unavailable" {
		t.Fatalf("warnings = %v", body["warnings"])
	}
}

func TestGenerateRejectsBadRequests(t *testing.T) {
	deps := baseDeps()
	deps.Generator = &fakeGenerator{}
	h := NewHandler(loadConfig(t, nil), deps)

	cases := map[string]string{
		`{"question":"  "}`:                         "QUESTION_REQUIRED",
		`{"question":"q","validation_level":"max"}`: "INVALID_VALIDATION_LEVEL",
		`{"question":"q","optimization_level":"x"}`: "INVALID_OPTIMIZATION_LEVEL",
		`{"question":"q","unknown":1}`:              "INVALID_JSON",
		`{"question":"q"} {"question":"r"}`:         "INVALID_JSON",
		`{"question":"q","row_limit":-1}`:           "INVALID_ROW_LIMIT",
	}
	for body, code := range cases {
		rr, decoded := post(t, h, "/v1/generate", body)
		if rr.Code != http.StatusBadRequest || decoded["error_code"] != code {
			t.Fatalf("%s: status = %d body = %v, want %s", body, rr.Code, decoded, code)
		}
	}
}

func TestGenerateMapsPipelineFailures(t *testing.T) {
	rejected := validator.Validate("SELECT * FROM users; DROP TABLE users;", validator.LevelStandard)
	cases := []struct {
		reason    pipeline.Reason
		status    int
		code      string
		retryable bool
	}{
		{pipeline.ReasonValidationFailed, http.StatusUnprocessableEntity, "VALIDATION_FAILED", false},
		{pipeline.ReasonGenerationUnavailable, http.StatusServiceUnavailable, "GENERATION_UNAVAILABLE", true},
		{pipeline.ReasonSchemaUnavailable, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", true},
		{pipeline.ReasonInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST", false},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			deps := baseDeps()
			deps.Generator = &fakeGenerator{
				result: pipeline.Result{
					ID:           "run-2",
					AttemptCount: 3,
					Validation:   rejected,
					Attempts:     []pipeline.Attempt{{Index: 3, SQL: "SELECT * FROM users; DROP TABLE users"}},
				},
				err: &pipeline.Error{Reason: tc.reason, Err: errors.New("boom")},
			}
			h := NewHandler(loadConfig(t, nil), deps)

			rr, body := post(t, h, "/v1/generate", `{"question":"drop everything"}`)
			if rr.Code != tc.status || body["error_code"] != tc.code || body["retryable"] != tc.retryable {
				t.Fatalf("status = %d body = %v", rr.Code, body)
			}
			extra := body["context"].(map[string]any)
			if extra["attempts"] != float64(3) || extra["run_id"] != "run-2" {
				t.Fatalf("context = %v", extra)
			}
			if tc.reason == pipeline.ReasonValidationFailed {
				findings := extra["findings"].([]any)
				if len(findings) == 0 || extra["risk"] != "high" || extra["last_sql"] == nil {
					t.Fatalf("context = %v", extra)
				}
			}
		})
	}
}

func TestGenerateShedsLoadBeyondConcurrencyBound(t *testing.T) {
	gen := &fakeGenerator{
		result:  pipeline.Result{Success: true, SQL: "SELECT 1"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	deps := baseDeps()
	deps.Generator = gen
	h := NewHandler(loadConfig(t, map[string]string{"SQLPILOT_MAX_CONCURRENT_RUNS": "1"}), deps)

	done := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(`{"question":"first"}`))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		done <- rr.Code
	}()

	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not start")
	}
	rr, body := post(t, h, "/v1/generate", `{"question":"second"}`)
	if rr.Code != http.StatusTooManyRequests || body["retryable"] != true {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}

	close(gen.block)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("first run status = %d", code)
	}
}

func TestValidateEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), baseDeps())

	rr, body := post(t, h, "/v1/validate", `{"sql":"SELECT id, name FROM users WHERE active = 1"}`)
	if rr.Code != http.StatusOK || body["valid"] != true || body["risk"] != "low" || body["level"] != "standard" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}

	rr, body = post(t, h, "/v1/validate", `{"sql":"SELECT * FROM users; DROP TABLE users;","level":"standard"}`)
	if rr.Code != http.StatusOK || body["valid"] != false || body["risk"] != "high" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
	findings := body["findings"].([]any)
	named := false
	for _, finding := range findings {
		if strings.Contains(fmt.Sprint(finding.(map[string]any)["message"]), "DROP") {
			named = true
		}
	}
	if !named {
		t.Fatalf("findings = %v", findings)
	}

	rr, body = post(t, h, "/v1/validate", `{"sql":"SELECT id FROM orders","level":"strict","tables":["users"]}`)
	if rr.Code != http.StatusOK || body["valid"] != false {
		t.Fatalf("strict body = %v", body)
	}
}

func TestValidateEndpointStrictChecksColumnsFromSchema(t *testing.T) {
	deps := baseDeps()
	deps.Schema = fakeSchema{definitions: map[string]string{
		"public.users": "CREATE TABLE public.users (id INT, name VARCHAR(64), active INT)",
	}}
	h := NewHandler(loadConfig(t, nil), deps)

	rr, body := post(t, h, "/v1/validate", `{"sql":"SELECT u.id, u.name FROM public.users u LIMIT 5","level":"strict","tables":["public.users"]}`)
	if rr.Code != http.StatusOK || body["valid"] != true {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}

	rr, body = post(t, h, "/v1/validate", `{"sql":"SELECT u.email FROM public.users u LIMIT 5","level":"strict","tables":["public.users"]}`)
	if rr.Code != http.StatusOK || body["valid"] != false {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
	findings := body["findings"].([]any)
	if len(findings) != 1 || findings[0].(map[string]any)["kind"] != "unknown_column" {
		t.Fatalf("findings = %v", findings)
	}
}

func TestOptimizeEndpointUsesSchemaColumns(t *testing.T) {
	deps := baseDeps()
	deps.Schema = fakeSchema{definitions: map[string]string{
		"users": "CREATE TABLE users (id INT, name VARCHAR(64), active INT)",
	}}
	h := NewHandler(loadConfig(t, nil), deps)

	rr, body := post(t, h, "/v1/optimize", `{"sql":"select * from users","tables":["users","missing"],"row_limit":100}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if body["sql"] != "SELECT id, name, active FROM users LIMIT 100" {
		t.Fatalf("sql = %v", body["sql"])
	}
	if body["level"] != "standard" {
		t.Fatalf("level = %v", body["level"])
	}
}

func TestExecuteValidatesBeforeRunning(t *testing.T) {
	engine := &fakeEngine{result: query.Result{
		Columns:  []string{"id"},
		Rows:     [][]any{{int64(1)}},
		RowCount: 1,
		RowLimit: 1000,
		Duration: 12 * time.Millisecond,
	}}
	deps := baseDeps()
	deps.QueryEngine = engine
	h := NewHandler(loadConfig(t, nil), deps)

	rr, body := post(t, h, "/v1/execute", `{"sql":"DELETE FROM users"}`)
	if rr.Code != http.StatusUnprocessableEntity || body["error_code"] != "SQL_NOT_ALLOWED" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
	if len(engine.requests) != 0 {
		t.Fatal("engine ran a rejected query")
	}

	rr, body = post(t, h, "/v1/execute", `{"sql":"SELECT id FROM users"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if body["row_count"] != float64(1) || body["stats"].(map[string]any)["duration_ms"] != float64(12) {
		t.Fatalf("body = %v", body)
	}
	if got := engine.requests[0]; got.RowLimit != 1000 || got.Timeout != 30*time.Second {
		t.Fatalf("engine request = %+v", got)
	}

	rr, _ = post(t, h, "/v1/execute", `{"sql":"SELECT id FROM users","row_limit":20000}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("over-limit status = %d", rr.Code)
	}
}

func TestExecuteReportsTimeout(t *testing.T) {
	deps := baseDeps()
	deps.QueryEngine = &fakeEngine{err: fmt.Errorf("execute query: %w", query.ErrTimeout)}
	h := NewHandler(loadConfig(t, nil), deps)

	rr, body := post(t, h, "/v1/execute", `{"sql":"SELECT id FROM users"}`)
	if rr.Code != http.StatusGatewayTimeout || body["error_code"] != "QUERY_TIMEOUT" || body["retryable"] != true {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	sink := &recordingSink{}
	deps := baseDeps()
	deps.Feedback = sink
	h := NewHandler(loadConfig(t, nil), deps)

	rr, body := post(t, h, "/v1/feedback", `{"question":"who owns workday","sql":"SELECT owner FROM applications","corrected_sql":"SELECT a.owner FROM applications a WHERE a.name = 'Workday'","outcome":"corrected","tables":["applications"]}`)
	if rr.Code != http.StatusAccepted || body["outcome"] != "corrected" || body["id"] == "" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
	if len(sink.records) != 1 || sink.records[0].CorrectedSQL == "" || sink.records[0].Tables[0] != "applications" {
		t.Fatalf("records = %+v", sink.records)
	}

	rr, body = post(t, h, "/v1/feedback", `{"question":"q","sql":"SELECT 1","outcome":"corrected"}`)
	if rr.Code != http.StatusBadRequest || body["error_code"] != "INVALID_FEEDBACK" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
	rr, body = post(t, h, "/v1/feedback", `{"question":"q","sql":"SELECT 1","outcome":"liked"}`)
	if rr.Code != http.StatusBadRequest || body["error_code"] != "INVALID_OUTCOME" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}

	sink.err = errors.New("broker down")
	rr, body = post(t, h, "/v1/feedback", `{"question":"q","sql":"SELECT 1","outcome":"rejected"}`)
	if rr.Code != http.StatusBadGateway || body["retryable"] != true {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
}

func TestProtectedRoutesRequireAuthAndRoles(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"SQLPILOT_AUTH_REQUIRED": "true"})
	keys, err := auth.NewStaticAPIKeyValidator("gen:analyst:query_generator,exec:runner:query_executor")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	deps := baseDeps()
	deps.AuthMiddleware = auth.Middleware(nil, keys)
	deps.QueryEngine = &fakeEngine{}
	h := NewHandler(cfg, deps)

	rr, _ := post(t, h, "/v1/validate", `{"sql":"SELECT 1"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", rr.Code)
	}
	rr, _ = post(t, h, "/v1/validate", `{"sql":"SELECT 1"}`, "X-API-Key", "gen")
	if rr.Code != http.StatusOK {
		t.Fatalf("generator validate status = %d", rr.Code)
	}
	rr, body := post(t, h, "/v1/execute", `{"sql":"SELECT 1"}`, "X-API-Key", "gen")
	if rr.Code != http.StatusForbidden || body["error_code"] != "FORBIDDEN" {
		t.Fatalf("generator execute status = %d", rr.Code)
	}
	rr, _ = post(t, h, "/v1/execute", `{"sql":"SELECT 1"}`, "Authorization", "Bearer exec")
	if rr.Code != http.StatusOK {
		t.Fatalf("executor execute status = %d body = %s", rr.Code, rr.Body.String())
	}

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("health status = %d", health.Code)
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	h := NewHandler(loadConfig(t, map[string]string{"SQLPILOT_AUTH_REQUIRED": "true"}), baseDeps())
	rr, body := post(t, h, "/v1/validate", `{"sql":"SELECT 1"}`)
	if rr.Code != http.StatusInternalServerError || body["error_code"] != "AUTH_MIDDLEWARE_MISSING" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
}

func TestErrorEnvelopeCarriesTraceID(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), baseDeps())
	rr, body := post(t, h, "/v1/validate", `{}`, "X-Trace-ID", "trace-123")
	if rr.Code != http.StatusBadRequest || body["trace_id"] != "trace-123" || body["error_code"] != "SQL_REQUIRED" {
		t.Fatalf("status = %d body = %v", rr.Code, body)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		nil,
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	if err := combined(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestCheckStoreConfig(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"SQLPILOT_STORE_KIND": "postgres"})
	if err := CheckStoreConfig(cfg)(context.Background()); err == nil {
		t.Fatal("expected missing dsn error")
	}
	cfg.Store.DSN = "postgres://localhost/sqlpilot"
	if err := CheckStoreConfig(cfg)(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
