// Package migrations applies the embedded Postgres schema for the schema
// context store and the feedback table.
package migrations

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const ledgerTable = "sqlpilot_schema_migrations"

var scriptName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Runner applies migrations read from sql/ in its file system.
type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

type ledgerEntry struct {
	Checksum  string
	AppliedAt time.Time
}

// Status describes one known migration. Drifted reports that the applied
// up script no longer matches the embedded one.
type Status struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
	Drifted   bool
}

// plan pairs the embedded migrations with the ledger rows already applied.
type plan struct {
	known   []migration
	applied map[int64]ledgerEntry
}

func (r *Runner) plan(ctx context.Context, db *sql.DB) (plan, error) {
	known, err := loadMigrations(r.fsys)
	if err != nil {
		return plan{}, err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+ledgerTable+` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return plan{}, fmt.Errorf("create %s: %w", ledgerTable, err)
	}
	applied, err := readLedger(ctx, db)
	if err != nil {
		return plan{}, err
	}
	return plan{known: known, applied: applied}, nil
}

// Up applies pending migrations oldest first. steps <= 0 applies all of them.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	p, err := r.plan(ctx, db)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, m := range p.known {
		if _, ok := p.applied[m.Version]; ok {
			continue
		}
		if steps > 0 && done == steps {
			break
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return fmt.Errorf("apply migration %d_%s: %w", m.Version, m.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO `+ledgerTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
				m.Version, m.Name, m.Checksum); err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// Down rolls back applied migrations newest first. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	steps = max(steps, 1)
	p, err := r.plan(ctx, db)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int64]migration, len(p.known))
	for _, m := range p.known {
		byVersion[m.Version] = m
	}
	versions := make([]int64, 0, len(p.applied))
	for version := range p.applied {
		versions = append(versions, version)
	}
	slices.SortFunc(versions, func(a, b int64) int { return cmp.Compare(b, a) })

	done := 0
	for _, version := range versions[:min(steps, len(versions))] {
		m, ok := byVersion[version]
		if !ok {
			return done, fmt.Errorf("applied migration %d has no embedded script", version)
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
				return fmt.Errorf("rollback migration %d_%s: %w", m.Version, m.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+ledgerTable+` WHERE version = $1`, m.Version); err != nil {
				return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// Status lists every embedded migration with its ledger state.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	p, err := r.plan(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(p.known))
	for _, m := range p.known {
		status := Status{Version: m.Version, Name: m.Name}
		if entry, ok := p.applied[m.Version]; ok {
			status.Applied = true
			status.AppliedAt = entry.AppliedAt
			status.Drifted = entry.Checksum != m.Checksum
		}
		out = append(out, status)
	}
	return out, nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func readLedger(ctx context.Context, db *sql.DB) (map[int64]ledgerEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum, applied_at FROM `+ledgerTable)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ledgerTable, err)
	}
	defer func() { _ = rows.Close() }()

	applied := map[int64]ledgerEntry{}
	for rows.Next() {
		var (
			version int64
			entry   ledgerEntry
		)
		if err := rows.Scan(&version, &entry.Checksum, &entry.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", ledgerTable, err)
		}
		applied[version] = entry
	}
	return applied, rows.Err()
}

// loadMigrations pairs NNNNNN_name.up.sql with its .down.sql. Files that do
// not follow the naming scheme are ignored.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	paths, err := fs.Glob(fsys, "sql/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migration scripts: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, p := range paths {
		parts := scriptName.FindStringSubmatch(path.Base(p))
		if parts == nil {
			continue
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", p, err)
		}
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", p, err)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		} else if m.Name != parts[2] {
			return nil, fmt.Errorf("migration %d is named both %q and %q", version, m.Name, parts[2])
		}
		if parts[3] == "up" {
			m.UpSQL = string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		switch {
		case strings.TrimSpace(m.UpSQL) == "":
			return nil, fmt.Errorf("migration %d missing up SQL", m.Version)
		case strings.TrimSpace(m.DownSQL) == "":
			return nil, fmt.Errorf("migration %d missing down SQL", m.Version)
		}
		sum := sha256.Sum256([]byte(m.UpSQL))
		m.Checksum = hex.EncodeToString(sum[:])
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
