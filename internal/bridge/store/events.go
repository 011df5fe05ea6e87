package store

import (
	"context"
	"fmt"
	"time"
)

// IsDuplicateEvent atomically records the event ID and reports whether it was
// already present. Uniqueness is enforced by the PRIMARY KEY, not by
// application code, so two concurrent calls on a fresh ID return false
// exactly once even across crashes and restarts.
func (s *Store) IsDuplicateEvent(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (event_id, processed_at)
		VALUES (?, ?)
	`, eventID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("record event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 0, nil
}

// VacuumEvents deletes processed-event rows older than the given TTL and
// returns how many were removed.
func (s *Store) VacuumEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM processed_events WHERE processed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("vacuum events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// DedupeCount returns the number of retained processed-event rows.
func (s *Store) DedupeCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM processed_events").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count processed events: %w", err)
	}
	return count, nil
}
