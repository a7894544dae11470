package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/config"
	"github.com/sqlpilot/sqlpilot/internal/embedding"
	"github.com/sqlpilot/sqlpilot/internal/feedback"
	"github.com/sqlpilot/sqlpilot/internal/feedback/archive"
	feedbackpostgres "github.com/sqlpilot/sqlpilot/internal/feedback/postgres"
	"github.com/sqlpilot/sqlpilot/internal/migrations"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	schemapostgres "github.com/sqlpilot/sqlpilot/internal/schema/postgres"
	s3store "github.com/sqlpilot/sqlpilot/internal/storage/s3"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status|seed|backfill-feedback")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	dsn := flag.String("dsn", "", "postgres DSN; defaults to SQLPILOT_STORE_DSN")
	corpusPath := flag.String("corpus", "", "corpus file for seed; defaults to SQLPILOT_CORPUS_PATH")
	archivePrefix := flag.String("archive-prefix", "", "archive prefix for backfill-feedback; defaults to SQLPILOT_FEEDBACK_ARCHIVE_PREFIX")
	flag.Parse()

	cfg, err := config.LoadFromEnv("sqlpilot-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *dsn == "" {
		*dsn = cfg.Store.DSN
	}
	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "SQLPILOT_STORE_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	db, err := schemapostgres.Open(ctx, *dsn, schemapostgres.PoolOptions{
		ApplicationName: cfg.Service.Name,
		MaxOpenConns:    2,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner()
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		applied, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", applied)
	case "status":
		statuses, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			os.Exit(1)
		}
		for _, status := range statuses {
			state := "pending"
			if status.Applied {
				state = "applied " + status.AppliedAt.UTC().Format(time.RFC3339)
			}
			if status.Drifted {
				state += " (script changed since apply)"
			}
			fmt.Printf("%06d %-24s %s\n", status.Version, status.Name, state)
		}
	case "seed":
		path := *corpusPath
		if path == "" {
			path = cfg.Store.CorpusPath
		}
		if err := seed(ctx, db, cfg, path); err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("seeded schema context from %s\n", path)
	case "backfill-feedback":
		prefix := *archivePrefix
		if prefix == "" {
			prefix = cfg.Feedback.ArchivePrefix
		}
		counts, err := backfillFeedback(ctx, db, cfg, prefix)
		if err != nil {
			fmt.Fprintf(os.Stderr, "feedback backfill failed: %v\n", err)
			os.Exit(1)
		}
		for outcome, count := range counts {
			fmt.Printf("%-10s %d\n", outcome, count)
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}

func seed(ctx context.Context, db *sql.DB, cfg config.Config, path string) error {
	corpus, err := schema.LoadCorpusFile(path)
	if err != nil {
		return err
	}
	embedder, err := embedding.FromConfig(cfg.Embedding)
	if err != nil {
		return err
	}
	return schemapostgres.NewStore(db, embedder).Seed(ctx, corpus)
}

// backfillFeedback copies archived feedback batches into the feedback table.
// Records already present are skipped by id.
func backfillFeedback(ctx context.Context, db *sql.DB, cfg config.Config, prefix string) (map[feedback.Outcome]int64, error) {
	store, err := s3store.New(ctx, s3store.FromConfig(cfg.ObjectStore))
	if err != nil {
		return nil, err
	}
	records, err := archive.Load(ctx, store, prefix)
	if err != nil {
		return nil, err
	}
	sink := feedbackpostgres.NewSink(db)
	for _, record := range records {
		if err := sink.Emit(ctx, record); err != nil {
			return nil, err
		}
	}
	fmt.Printf("backfilled %d archived record(s)\n", len(records))
	return sink.CountByOutcome(ctx)
}
