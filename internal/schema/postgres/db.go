package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const defaultPingTimeout = 5 * time.Second

// PoolOptions tunes the database/sql pool in front of pgx. Zero values keep
// the database/sql defaults.
type PoolOptions struct {
	ApplicationName string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// Open builds a pgx-backed *sql.DB and pings it once before returning.
func Open(ctx context.Context, dsn string, opts PoolOptions) (*sql.DB, error) {
	connConfig, err := parseConnConfig(dsn, opts.ApplicationName)
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDB(*connConfig)
	opts.apply(db)

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s: %w", connConfig.Host, err)
	}
	return db, nil
}

// parseConnConfig parses dsn and tags sessions with applicationName unless
// the DSN already names one.
func parseConnConfig(dsn, applicationName string) (*pgx.ConnConfig, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if applicationName != "" {
		if _, set := connConfig.RuntimeParams["application_name"]; !set {
			connConfig.RuntimeParams["application_name"] = applicationName
		}
	}
	return connConfig, nil
}

func (o PoolOptions) apply(db *sql.DB) {
	if o.MaxOpenConns > 0 {
		db.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.MaxIdleConns > 0 {
		db.SetMaxIdleConns(o.MaxIdleConns)
	}
	if o.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(o.ConnMaxIdleTime)
	}
	if o.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.ConnMaxLifetime)
	}
}
