package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SpaceConfig is the singleton row describing the agents space.
type SpaceConfig struct {
	SpaceID   string
	CreatedAt time.Time
}

// SetSpace records the space room ID. The space is created once and reused
// forever, so an existing row is left untouched.
func (s *Store) SetSpace(ctx context.Context, spaceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO space_config (id, space_id, created_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, spaceID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set space: %w", err)
	}
	return nil
}

// GetSpace returns the stored space config, or (nil, nil) when no space has
// been created yet.
func (s *Store) GetSpace(ctx context.Context) (*SpaceConfig, error) {
	var sc SpaceConfig
	err := s.db.QueryRowContext(ctx,
		"SELECT space_id, created_at FROM space_config WHERE id = 1",
	).Scan(&sc.SpaceID, &sc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get space: %w", err)
	}
	return &sc, nil
}
