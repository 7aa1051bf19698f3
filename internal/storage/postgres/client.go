// Package postgres implements the relational storage backend on
// github.com/lib/pq, the driver and connection-pool/migration idiom
// adapted from pkg/database.Client in the codebase this project generalizes.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/timewave-computer/almanac/internal/errs"
	"github.com/timewave-computer/almanac/internal/obslog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config configures the connection pool.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// client wraps *sql.DB plus the migration runner. Store holds one in its c
// field.
type client struct {
	db     *sql.DB
	logger *obslog.Logger
}

func newClient(cfg Config) (*client, error) {
	if cfg.URL == "" {
		return nil, errs.New(errs.InvalidArgument, "postgres URL cannot be empty", nil)
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errs.New(errs.Storage, "open postgres connection", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	c := &client{db: db, logger: obslog.New("storage/postgres")}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.New(errs.Storage, "ping postgres", err)
	}

	return c, nil
}

func (c *client) Close() error {
	return c.db.Close()
}

type migration struct {
	version string
	sql     string
}

func (c *client) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return errs.New(errs.Storage, "create schema_migrations table", err)
	}

	migrations, err := c.loadMigrations()
	if err != nil {
		return err
	}
	applied, err := c.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		c.logger.Infof("applying migration %s", m.version)
		if err := c.applyMigration(ctx, m); err != nil {
			return errs.New(errs.Storage, fmt.Sprintf("apply migration %s", m.version), err)
		}
	}
	return nil
}

func (c *client) loadMigrations() ([]migration, error) {
	var migrations []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		migrations = append(migrations, migration{
			version: strings.TrimSuffix(d.Name(), ".sql"),
			sql:     string(content),
		})
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.Storage, "walk migrations", err)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

func (c *client) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errs.New(errs.Storage, "query schema_migrations", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errs.New(errs.Storage, "scan schema_migrations", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (c *client) applyMigration(ctx context.Context, m migration) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, m.version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
