// Package db opens the Postgres connection shared by the store and the queue.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// config holds internal configuration for DB creation
type config struct {
	schema          string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

// Option defines a function that configures the DB
type Option func(*config)

// WithSchema sets the Postgres schema. It is created if missing and placed
// on the connection search_path, so queries use bare table names.
func WithSchema(schema string) Option {
	return func(c *config) {
		c.schema = schema
	}
}

// WithMaxOpenConns sets the maximum number of open connections
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections
func WithMaxIdleConns(n int) Option {
	return func(c *config) {
		c.maxIdleConns = n
	}
}

// WithConnMaxLifetime sets the maximum lifetime of a connection
func WithConnMaxLifetime(d time.Duration) Option {
	return func(c *config) {
		c.connMaxLifetime = d
	}
}

// NewPostgresDb creates a new sqlx.DB over pgx with the provided options.
func NewPostgresDb(ctx context.Context, dsn string, opts ...Option) (*sqlx.DB, error) {
	// Default configuration
	cfg := &config{
		maxIdleConns: 2, // Default is 2
	}

	// Apply options
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.schema != "" && !identifierRegex.MatchString(cfg.schema) {
		return nil, fmt.Errorf("invalid schema name %q", cfg.schema)
	}

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.schema != "" {
		// search_path may name a schema that does not exist yet; it is
		// created right after the first ping.
		connCfg.RuntimeParams["search_path"] = cfg.schema
	}

	slog.Info("db", "driver", "pgx", "host", connCfg.Host, "database", connCfg.Database, "schema", cfg.schema)
	db := sqlx.NewDb(stdlib.OpenDB(*connCfg), "pgx")

	// Set connection pool parameters
	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}
	if cfg.maxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	if cfg.connMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.connMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.schema != "" {
		if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+cfg.schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return db, nil
}
