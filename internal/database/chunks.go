package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/semanticcity/server/internal/world"
)

// ChunkStorage handles chunk record storage and retrieval from the database
type ChunkStorage struct {
	db *DB
}

// NewChunkStorage creates a new chunk storage instance
func NewChunkStorage(db *DB) *ChunkStorage {
	return &ChunkStorage{db: db}
}

// StoredChunk is a chunk row with its storage metadata
type StoredChunk struct {
	Record    *world.ChunkRecord
	CreatedAt time.Time
}

// GetChunk retrieves a chunk record. Returns (nil, nil) if the chunk is not stored.
func (s *ChunkStorage) GetChunk(ctx context.Context, coord world.ChunkCoord) (*world.ChunkRecord, error) {
	stored, err := s.GetStoredChunk(ctx, coord)
	if err != nil || stored == nil {
		return nil, err
	}
	return stored.Record, nil
}

// GetStoredChunk retrieves a chunk record with its creation time
func (s *ChunkStorage) GetStoredChunk(ctx context.Context, coord world.ChunkCoord) (*StoredChunk, error) {
	var (
		version   int
		buildings []byte
		createdAt time.Time
	)

	query := s.db.rebind(`
		SELECT generation_version, buildings, created_at
		FROM chunks
		WHERE chunk_x = ? AND chunk_z = ?
	`)
	err := s.db.QueryRowContext(ctx, query, coord.X, coord.Z).Scan(&version, &buildings, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk %s: %w", coord, err)
	}

	record := &world.ChunkRecord{
		ChunkX:            coord.X,
		ChunkZ:            coord.Z,
		GenerationVersion: version,
	}
	if err := json.Unmarshal(buildings, &record.Buildings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal buildings (chunk %s): %w", coord, err)
	}

	return &StoredChunk{Record: record, CreatedAt: createdAt}, nil
}

// PutChunk stores a chunk record, replacing any existing row for the same coordinate
func (s *ChunkStorage) PutChunk(ctx context.Context, record *world.ChunkRecord) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	buildings, err := json.Marshal(record.Buildings)
	if err != nil {
		return fmt.Errorf("failed to marshal buildings: %w", err)
	}

	query := s.db.rebind(`
		INSERT INTO chunks (chunk_x, chunk_z, generation_version, buildings, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (chunk_x, chunk_z)
		DO UPDATE SET
			generation_version = excluded.generation_version,
			buildings = excluded.buildings,
			created_at = CURRENT_TIMESTAMP
	`)
	if _, err := s.db.ExecContext(ctx, query, record.ChunkX, record.ChunkZ, record.GenerationVersion, string(buildings)); err != nil {
		return fmt.Errorf("failed to upsert chunk %d_%d: %w", record.ChunkX, record.ChunkZ, err)
	}
	return nil
}

// DeleteChunk removes a chunk so it is regenerated on next request
func (s *ChunkStorage) DeleteChunk(ctx context.Context, coord world.ChunkCoord) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.rebind(`DELETE FROM chunks WHERE chunk_x = ? AND chunk_z = ?`), coord.X, coord.Z)
	if err != nil {
		return false, fmt.Errorf("failed to delete chunk %s: %w", coord, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// DeleteOutdated removes every chunk whose generation version differs from currentVersion
func (s *ChunkStorage) DeleteOutdated(ctx context.Context, currentVersion int) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.rebind(`DELETE FROM chunks WHERE generation_version <> ?`), currentVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to delete outdated chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// CountChunks returns the number of stored chunks
func (s *ChunkStorage) CountChunks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// CountByVersion returns stored chunk counts grouped by generation version
func (s *ChunkStorage) CountByVersion(ctx context.Context) (map[int]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT generation_version, COUNT(*) FROM chunks GROUP BY generation_version`)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks by version: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var version int
		var n int64
		if err := rows.Scan(&version, &n); err != nil {
			return nil, fmt.Errorf("failed to scan chunk count: %w", err)
		}
		counts[version] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk counts: %w", err)
	}
	return counts, nil
}
