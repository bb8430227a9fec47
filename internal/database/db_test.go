package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"

	"github.com/semanticcity/server/internal/testutil"
)

func setupSQLite(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(testutil.TempSQLitePath(t))
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := setupSQLite(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Second migration failed: %v", err)
	}

	for _, table := range []string{"chunks", "websites", "world_state"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s missing: %v", table, err)
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := testutil.DefaultTestDBConfig().DatabaseConfig()
	cfg.Driver = "mysql"
	if _, err := Open(cfg); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: Postgres}
	lite := &DB{dialect: SQLite}
	query := `SELECT a FROM t WHERE x = ? AND z = ? LIMIT ?`

	if got := pg.rebind(query); got != `SELECT a FROM t WHERE x = $1 AND z = $2 LIMIT $3` {
		t.Errorf("Unexpected postgres rebind: %s", got)
	}
	if got := lite.rebind(query); got != query {
		t.Errorf("SQLite query should be unchanged, got %s", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), true},
		{"conn done", sql.ErrConnDone, true},
		{"no rows", sql.ErrNoRows, false},
		{"pg connection failure", &pq.Error{Code: "08006"}, true},
		{"pg admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"pg deadlock", fmt.Errorf("upsert: %w", &pq.Error{Code: "40P01"}), true},
		{"pg unique violation", &pq.Error{Code: "23505"}, false},
		{"network timeout", timeoutErr{}, true},
		{"plain error", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestPostgresRoundTrip(t *testing.T) {
	cfg := testutil.PostgresConfig(t)
	db, err := OpenPostgres(cfg)
	if err != nil {
		t.Fatalf("Failed to open postgres: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping postgres: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	chunks := NewChunkStorage(db)
	rec := testutil.ChunkWith(chunkCoord(-9000, 9001), 1, "pg.example")
	if err := chunks.PutChunk(ctx, rec); err != nil {
		t.Fatalf("PutChunk failed: %v", err)
	}
	defer func() { _, _ = chunks.DeleteChunk(ctx, rec.Coord()) }()

	got, err := chunks.GetChunk(ctx, rec.Coord())
	if err != nil || got == nil {
		t.Fatalf("GetChunk failed: %v (record %v)", err, got)
	}
	if got.Buildings[0].URL != "pg.example" {
		t.Errorf("Expected pg.example, got %s", got.Buildings[0].URL)
	}
}
