package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"

	"github.com/semanticcity/server/internal/config"
)

// Dialect selects SQL flavour differences between the supported drivers
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DB is a database handle that knows its dialect. Queries are written with
// '?' placeholders and rebound for PostgreSQL.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open connects using the configured driver
func Open(cfg config.DatabaseConfig) (*DB, error) {
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(cfg)
	case "sqlite", "":
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// OpenSQLite opens (creating if needed) a SQLite database file
func OpenSQLite(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer keeps SQLite free of SQLITE_BUSY under concurrent generation.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return &DB{DB: db, dialect: SQLite}, nil
}

// OpenPostgres connects to PostgreSQL and applies pool settings
func OpenPostgres(cfg config.DatabaseConfig) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return &DB{DB: db, dialect: Postgres}, nil
}

// Dialect returns the SQL dialect of the connection
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// rebind converts '?' placeholders to '$n' for PostgreSQL
func (d *DB) rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Migrate creates the schema if it does not exist
func (d *DB) Migrate(ctx context.Context) error {
	jsonType, blobType, floatType, tsType := "TEXT", "BLOB", "REAL", "TIMESTAMP"
	if d.dialect == Postgres {
		jsonType, blobType, floatType, tsType = "JSONB", "BYTEA", "DOUBLE PRECISION", "TIMESTAMPTZ"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			chunk_x INTEGER NOT NULL,
			chunk_z INTEGER NOT NULL,
			generation_version INTEGER NOT NULL,
			buildings %s NOT NULL,
			created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (chunk_x, chunk_z)
		)`, jsonType, tsType),
		`CREATE INDEX IF NOT EXISTS idx_chunks_version ON chunks(generation_version)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS websites (
			url TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			embedding %s,
			embedding_dim INTEGER NOT NULL DEFAULT 0,
			popularity %s NOT NULL DEFAULT 0.5,
			updated_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, blobType, floatType, tsType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS world_state (
			id INTEGER PRIMARY KEY,
			world_version INTEGER NOT NULL,
			updated_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, tsType),
	}
	for _, stmt := range stmts {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// IsRetryable reports whether err looks like a transient connectivity or
// locking failure rather than a bad query or bad data
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"): // connection exception
			return true
		case code == "57P01", code == "57P02", code == "57P03": // admin/crash shutdown, cannot connect now
			return true
		case code == "53300", code == "40001", code == "40P01": // too many connections, serialization, deadlock
			return true
		}
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
