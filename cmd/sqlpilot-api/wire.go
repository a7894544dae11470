package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/api"
	"github.com/sqlpilot/sqlpilot/internal/config"
	"github.com/sqlpilot/sqlpilot/internal/embedding"
	"github.com/sqlpilot/sqlpilot/internal/feedback"
	"github.com/sqlpilot/sqlpilot/internal/feedback/archive"
	"github.com/sqlpilot/sqlpilot/internal/feedback/natsbus"
	feedbackpostgres "github.com/sqlpilot/sqlpilot/internal/feedback/postgres"
	"github.com/sqlpilot/sqlpilot/internal/gateway"
	"github.com/sqlpilot/sqlpilot/internal/optimizer"
	"github.com/sqlpilot/sqlpilot/internal/pipeline"
	"github.com/sqlpilot/sqlpilot/internal/prompt"
	duckdbengine "github.com/sqlpilot/sqlpilot/internal/query/duckdb"
	"github.com/sqlpilot/sqlpilot/internal/retriever"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/schema/memory"
	schemapostgres "github.com/sqlpilot/sqlpilot/internal/schema/postgres"
	schemasqlite "github.com/sqlpilot/sqlpilot/internal/schema/sqlite"
	s3store "github.com/sqlpilot/sqlpilot/internal/storage/s3"
	"github.com/sqlpilot/sqlpilot/internal/validator"
)

const ollamaBaseURL = "http://localhost:11434"

type schemaStore interface {
	schema.Store
	schema.HintProvider
}

// application holds the long-lived collaborators built at startup.
type application struct {
	store     schemaStore
	gateway   *gateway.Gateway
	pipeline  *pipeline.Pipeline
	validator *validator.Validator
	optimizer *optimizer.Optimizer
	engine    *duckdbengine.Engine
	feedback  *feedback.Multi

	validationLevel   validator.Level
	optimizationLevel optimizer.Level

	readiness []api.ReadinessCheck
	closers   []func() error
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{}
	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	var err error
	if app.validationLevel, err = validator.ParseLevel(cfg.Pipeline.ValidationLevel); err != nil {
		return nil, err
	}
	if app.optimizationLevel, err = optimizer.ParseLevel(cfg.Pipeline.OptimizationLevel); err != nil {
		return nil, err
	}

	embedder, err := embedding.FromConfig(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	synonyms, err := app.openStore(ctx, cfg, embedder)
	if err != nil {
		return nil, err
	}

	backend, err := gateway.NewBackend(gateway.BackendConfig{
		Kind:    cfg.LLM.Backend,
		BaseURL: llmBaseURL(cfg.LLM),
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("model backend: %w", err)
	}
	app.gateway, err = gateway.New(backend, gateway.Config{
		MaxRetries:  cfg.LLM.MaxRetries,
		BackoffBase: cfg.LLM.BackoffBase,
		BackoffMax:  cfg.LLM.BackoffMax,
		RateLimit:   cfg.LLM.RateLimit,
		RateBurst:   cfg.LLM.RateBurst,
		Defaults: gateway.Options{
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("model gateway: %w", err)
	}

	prompts, err := prompt.New(prompt.Config{Dialect: cfg.Pipeline.Dialect, Synonyms: synonyms})
	if err != nil {
		return nil, err
	}
	app.validator = validator.New(validator.Options{Permit: schema.SplitTableNames(cfg.Pipeline.PermitKeywords)})
	app.optimizer = optimizer.New(optimizer.Options{})

	if app.feedback, err = app.openFeedback(ctx, cfg, logger); err != nil {
		return nil, err
	}

	app.pipeline, err = pipeline.New(pipeline.Deps{
		Retriever: retriever.New(app.store, retriever.Config{
			SimilarityFloor: cfg.Pipeline.SimilarityFloor,
			MaxExamples:     cfg.Pipeline.MaxExamples,
		}, logger),
		Prompts:   prompts,
		Generator: app.gateway,
		Validator: app.validator,
		Optimizer: app.optimizer,
		Hints:     app.store,
		Feedback:  app.feedback,
	}, pipeline.Config{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		TopK:        cfg.Pipeline.TopK,
	}, logger)
	if err != nil {
		return nil, err
	}

	views, err := duckdbengine.ParseViews(cfg.Execute.ParquetViews)
	if err != nil {
		return nil, err
	}
	if cfg.Execute.DuckDBPath != "" || len(views) > 0 {
		app.engine = duckdbengine.NewEngine(duckdbengine.Config{
			Path:            cfg.Execute.DuckDBPath,
			Views:           views,
			DefaultRowLimit: cfg.Execute.DefaultRowLimit,
			MaxRowLimit:     cfg.Execute.MaxRowLimit,
			Timeout:         cfg.Execute.Timeout,
		}, logger)
		app.readiness = append(app.readiness, api.CheckPing("duckdb", app.engine.Ping))
	}

	ok = true
	return app, nil
}

// openStore opens the configured schema store and returns the corpus glossary
// when a corpus file is available.
func (app *application) openStore(ctx context.Context, cfg config.Config, embedder embedding.Embedder) (map[string]string, error) {
	var corpus schema.Corpus
	if cfg.Store.CorpusPath != "" {
		loaded, err := schema.LoadCorpusFile(cfg.Store.CorpusPath)
		switch {
		case err == nil:
			corpus = loaded
		case cfg.Store.Kind == "memory":
			return nil, fmt.Errorf("load corpus: %w", err)
		}
	}

	switch cfg.Store.Kind {
	case "memory":
		store, err := memory.New(ctx, corpus, embedder)
		if err != nil {
			return nil, fmt.Errorf("memory schema store: %w", err)
		}
		app.store = store
	case "sqlite":
		store, err := schemasqlite.Open(ctx, cfg.Store.SQLitePath, embedder)
		if err != nil {
			return nil, fmt.Errorf("sqlite schema store: %w", err)
		}
		app.closers = append(app.closers, store.Close)
		if len(corpus.Tables) > 0 {
			if err := store.Seed(ctx, corpus); err != nil {
				return nil, fmt.Errorf("seed sqlite schema store: %w", err)
			}
		}
		app.store = store
		app.readiness = append(app.readiness, api.CheckPing("schema store", store.HealthCheck))
	case "postgres":
		db, err := openPostgres(ctx, cfg, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, db.Close)
		store := schemapostgres.NewStore(db, embedder)
		app.store = store
		app.readiness = append(app.readiness, api.CheckPing("schema store", store.HealthCheck))
	default:
		return nil, fmt.Errorf("unknown store kind %q (expected memory, sqlite or postgres)", cfg.Store.Kind)
	}
	return corpus.Synonyms, nil
}

func (app *application) openFeedback(ctx context.Context, cfg config.Config, logger *slog.Logger) (*feedback.Multi, error) {
	multi := feedback.NewMulti()
	for _, name := range schema.SplitTableNames(cfg.Feedback.Sinks) {
		switch strings.ToLower(name) {
		case "nats":
			publisher, err := natsbus.Connect(natsbus.Config{
				URL:     cfg.Feedback.NATSURL,
				Stream:  cfg.Feedback.NATSStream,
				Subject: cfg.Feedback.NATSSubject,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("nats feedback sink: %w", err)
			}
			app.closers = append(app.closers, publisher.Close)
			app.readiness = append(app.readiness, api.CheckPing("nats", publisher.Ping))
			multi.Add("nats", publisher)
		case "archive":
			store, err := s3store.New(ctx, s3store.FromConfig(cfg.ObjectStore))
			if err != nil {
				return nil, fmt.Errorf("object store: %w", err)
			}
			sink, err := archive.New(store, archive.Config{
				Prefix:    cfg.Feedback.ArchivePrefix,
				BatchSize: cfg.Feedback.ArchiveBatchSize,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("archive feedback sink: %w", err)
			}
			app.readiness = append(app.readiness, api.CheckPing("object store", store.Ping))
			multi.Add("archive", sink)
		case "postgres":
			dsn := cfg.Feedback.DSN
			if dsn == "" {
				dsn = cfg.Store.DSN
			}
			db, err := openPostgres(ctx, cfg, dsn)
			if err != nil {
				return nil, fmt.Errorf("postgres feedback sink: %w", err)
			}
			app.closers = append(app.closers, db.Close)
			multi.Add("postgres", feedbackpostgres.NewSink(db))
		default:
			return nil, fmt.Errorf("unknown feedback sink %q (expected nats, archive or postgres)", name)
		}
	}
	if multi.Len() > 0 {
		logger.Info("feedback sinks enabled", slog.String("sinks", cfg.Feedback.Sinks))
	}
	return multi, nil
}

func (app *application) dependencies(cfg config.Config, logger *slog.Logger) api.Dependencies {
	deps := api.Dependencies{
		Logger:              logger,
		Readiness:           api.CombineReadinessChecks(append([]api.ReadinessCheck{api.CheckStoreConfig(cfg)}, app.readiness...)...),
		DependencyTimeout:   2 * time.Second,
		Generator:           app.pipeline,
		Validator:           app.validator,
		Optimizer:           app.optimizer,
		Schema:              app.store,
		Feedback:            app.feedback,
		DefaultValidation:   app.validationLevel,
		DefaultOptimization: app.optimizationLevel,
	}
	if app.engine != nil {
		deps.QueryEngine = app.engine
	}
	return deps
}

// close releases resources in reverse order of acquisition. It is safe to
// call more than once.
func (app *application) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		_ = app.closers[i]()
	}
	app.closers = nil
}

func openPostgres(ctx context.Context, cfg config.Config, dsn string) (*sql.DB, error) {
	store := cfg.Store
	return schemapostgres.Open(ctx, dsn, schemapostgres.PoolOptions{
		ApplicationName: cfg.Service.Name,
		MaxOpenConns:    store.MaxOpenConns,
		MaxIdleConns:    store.MaxIdleConns,
		ConnMaxIdleTime: store.ConnMaxIdleTime,
		ConnMaxLifetime: store.ConnMaxLifetime,
	})
}

// llmBaseURL drops the hosted default URL for Ollama-based backends so they
// fall back to the local server.
func llmBaseURL(cfg config.LLMConfig) string {
	switch cfg.Backend {
	case "local", "sqlcoder":
		if cfg.BaseURL == "" || cfg.BaseURL == "https://api.openai.com" {
			return ollamaBaseURL
		}
	}
	return cfg.BaseURL
}
