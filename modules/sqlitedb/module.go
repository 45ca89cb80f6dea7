// Package sqlitedb provides the process-wide SQLite database module.
//
// Settings come from the environment (DATABASE_PATH and friends) and may be
// overridden by a `module "database"` block in the module configuration.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/specialistvlad/modgrid/internal/config"
	"github.com/specialistvlad/modgrid/internal/ctxlog"
	"github.com/specialistvlad/modgrid/internal/registry"
	_ "modernc.org/sqlite"
)

// ConfigBlock is the name of the module configuration block read by PreInit.
const ConfigBlock = "database"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Settings configures the database connection.
type Settings struct {
	Path          string `env:"DATABASE_PATH" envDefault:"modgrid.db" hcl:"path,optional"`
	MaxOpenConns  int    `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"1" hcl:"max_open_conns,optional"`
	BusyTimeoutMS int    `env:"DATABASE_BUSY_TIMEOUT_MS" envDefault:"5000" hcl:"busy_timeout_ms,optional"`
}

// DB is the SQLite module. Its handle stays open for the life of the process.
type DB struct {
	registry.NoDependencies
	registry.NoPostInit

	sql  *sql.DB
	path string
}

// Module is the handle of the database module.
var Module = registry.Declare[DB, Settings]()

// PreInit reads the settings. It does not touch the database file.
func (db *DB) PreInit(ctx context.Context) (Settings, error) {
	var s Settings
	if err := config.ParseEnv(&s); err != nil {
		return s, err
	}
	if err := config.Decode(ctx, ConfigBlock, &s); err != nil {
		return s, err
	}
	if strings.TrimSpace(s.Path) == "" {
		return s, errors.New("database path is required")
	}
	if s.MaxOpenConns < 1 {
		return s, fmt.Errorf("max_open_conns must be positive, got %d", s.MaxOpenConns)
	}
	return s, nil
}

// Init opens and pings the database and creates the schema bookkeeping table.
func (db *DB) Init(ctx context.Context, s Settings, _ *registry.Deps) error {
	sqlDB, err := Open(ctx, s)
	if err != nil {
		return err
	}
	db.sql = sqlDB
	db.path = s.Path

	ctxlog.FromContext(ctx).Info("Database opened.", "path", s.Path)
	return nil
}

// Open opens a SQLite database with the given settings and verifies the
// connection.
func Open(ctx context.Context, s Settings) (*sql.DB, error) {
	path := strings.TrimSpace(s.Path)
	if path == "" {
		return nil, errors.New("database path is required")
	}

	pragmas := fmt.Sprintf("_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", s.BusyTimeoutMS)
	if path != MemoryPath {
		path = filepath.Clean(path)
		pragmas += "&_pragma=journal_mode(WAL)"
	}

	sqlDB, err := sql.Open("sqlite", path+"?"+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Each connection to :memory: is a separate database.
	if path == MemoryPath || s.MaxOpenConns < 1 {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(s.MaxOpenConns)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schemaTable); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema table: %w", err)
	}
	return sqlDB, nil
}

const schemaTable = `CREATE TABLE IF NOT EXISTS modgrid_schema (
	owner      TEXT PRIMARY KEY,
	applied_at INTEGER NOT NULL
)`

// SQL returns the underlying handle.
func (db *DB) SQL() *sql.DB { return db.sql }

// Path returns the configured database path.
func (db *DB) Path() string { return db.path }

// EnsureSchema runs stmts in one transaction on behalf of owner and records
// when owner's schema was last applied. Statements must be idempotent.
func (db *DB) EnsureSchema(ctx context.Context, owner string, stmts ...string) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema transaction for %s: %w", owner, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema for %s: %w", owner, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO modgrid_schema (owner, applied_at) VALUES (?, ?)
		 ON CONFLICT(owner) DO UPDATE SET applied_at = excluded.applied_at`,
		owner, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record schema for %s: %w", owner, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema for %s: %w", owner, err)
	}
	return nil
}

// SchemaOwners returns the owners whose schema has been applied, sorted.
func (db *DB) SchemaOwners(ctx context.Context) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT owner FROM modgrid_schema ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("list schema owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan schema owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}
