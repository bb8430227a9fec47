package database

import (
	"context"
	"database/sql"
	"fmt"
)

// WorldStateStorage persists the world generation version. Bumping the version
// invalidates every stored chunk generated under the previous one.
type WorldStateStorage struct {
	db *DB
}

// NewWorldStateStorage creates a new world state storage instance
func NewWorldStateStorage(db *DB) *WorldStateStorage {
	return &WorldStateStorage{db: db}
}

// GetVersion retrieves the current world version. Returns 0 when no version has been recorded.
func (s *WorldStateStorage) GetVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT world_version FROM world_state WHERE id = 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get world version: %w", err)
	}
	return version, nil
}

// Initialize records minVersion if no version exists yet, or raises a stored
// version that is lower than minVersion. Returns the effective version.
func (s *WorldStateStorage) Initialize(ctx context.Context, minVersion int) (int, error) {
	query := s.db.rebind(`
		INSERT INTO world_state (id, world_version, updated_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id)
		DO UPDATE SET
			world_version = CASE
				WHEN world_state.world_version < excluded.world_version THEN excluded.world_version
				ELSE world_state.world_version
			END,
			updated_at = CURRENT_TIMESTAMP
		RETURNING world_version
	`)
	var version int
	if err := s.db.QueryRowContext(ctx, query, minVersion).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to initialize world version: %w", err)
	}
	return version, nil
}

// BumpVersion increments the world version and returns the new value. The
// result is raised to atLeast when the stored version lags behind it.
func (s *WorldStateStorage) BumpVersion(ctx context.Context, atLeast int) (int, error) {
	if atLeast < 1 {
		atLeast = 1
	}
	query := s.db.rebind(`
		INSERT INTO world_state (id, world_version, updated_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id)
		DO UPDATE SET
			world_version = CASE
				WHEN world_state.world_version + 1 < excluded.world_version THEN excluded.world_version
				ELSE world_state.world_version + 1
			END,
			updated_at = CURRENT_TIMESTAMP
		RETURNING world_version
	`)
	var version int
	if err := s.db.QueryRowContext(ctx, query, atLeast).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to bump world version: %w", err)
	}
	return version, nil
}
