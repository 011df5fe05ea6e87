package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Invite states tracked per core user in a mapping.
const (
	InviteInvited = "invited"
	InviteJoined  = "joined"
	InviteFailed  = "failed"
)

// Mapping binds one Letta agent to its Matrix user, password, and room.
type Mapping struct {
	// AgentID is the opaque Letta agent ID. Stable across renames.
	AgentID string
	// AgentName is the current human-readable name. Mutable.
	AgentName string
	// MatrixUserID is derived from AgentID and the server name, never from
	// the agent name. Immutable once set.
	MatrixUserID string
	// MatrixPassword is the stored credential for the agent's Matrix account.
	MatrixPassword string
	// RoomID is the agent's dedicated room; empty until the room is created.
	RoomID string
	// Created is true once the Matrix user exists.
	Created bool
	// RoomCreated is true once the room exists and the agent has joined it.
	RoomCreated bool
	// InvitationStatus maps core usernames to invited/joined/failed.
	InvitationStatus map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const mappingColumns = `agent_id, agent_name, matrix_user_id, matrix_password,
	room_id, created, room_created, invitation_status, created_at, updated_at`

// GetMapping retrieves a mapping by agent ID. Returns (nil, nil) when no
// mapping exists for the agent.
func (s *Store) GetMapping(ctx context.Context, agentID string) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mappingColumns+`
		FROM agent_mappings
		WHERE agent_id = ?
	`, agentID)
	return scanMapping(row)
}

// GetMappingByRoom retrieves the mapping for a room. When Letta holds
// duplicate agents two mappings may share a room; the oldest mapping wins so
// routing stays deterministic. Returns (nil, nil) when the room is unknown.
func (s *Store) GetMappingByRoom(ctx context.Context, roomID string) (*Mapping, error) {
	if roomID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mappingColumns+`
		FROM agent_mappings
		WHERE room_id = ?
		ORDER BY created_at ASC
		LIMIT 1
	`, roomID)
	return scanMapping(row)
}

// UpsertMapping atomically inserts or replaces the mapping for its agent ID.
func (s *Store) UpsertMapping(ctx context.Context, m *Mapping) error {
	if m.AgentID == "" {
		return fmt.Errorf("mapping agent_id must not be empty")
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	invites := m.InvitationStatus
	if invites == nil {
		invites = map[string]string{}
	}
	invitesJSON, err := json.Marshal(invites)
	if err != nil {
		return fmt.Errorf("marshal invitation status: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_mappings
			(agent_id, agent_name, matrix_user_id, matrix_password,
			 room_id, created, room_created, invitation_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			agent_name        = excluded.agent_name,
			matrix_user_id    = excluded.matrix_user_id,
			matrix_password   = excluded.matrix_password,
			room_id           = excluded.room_id,
			created           = excluded.created,
			room_created      = excluded.room_created,
			invitation_status = excluded.invitation_status,
			updated_at        = excluded.updated_at
	`, m.AgentID, m.AgentName, m.MatrixUserID, m.MatrixPassword,
		nullString(m.RoomID), boolInt(m.Created), boolInt(m.RoomCreated),
		string(invitesJSON), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert mapping %s: %w", m.AgentID, err)
	}
	return nil
}

// AllMappings returns every mapping, oldest first.
func (s *Store) AllMappings(ctx context.Context) ([]*Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mappingColumns+`
		FROM agent_mappings
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return mappings, nil
}

// MappingCount returns the number of known agent mappings.
func (s *Store) MappingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_mappings").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count mappings: %w", err)
	}
	return count, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(row scanner) (*Mapping, error) {
	var (
		m           Mapping
		roomID      sql.NullString
		created     int
		roomCreated int
		invitesJSON string
	)
	err := row.Scan(&m.AgentID, &m.AgentName, &m.MatrixUserID, &m.MatrixPassword,
		&roomID, &created, &roomCreated, &invitesJSON, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan mapping: %w", err)
	}
	m.RoomID = roomID.String
	m.Created = created != 0
	m.RoomCreated = roomCreated != 0
	m.InvitationStatus = map[string]string{}
	if invitesJSON != "" {
		if err := json.Unmarshal([]byte(invitesJSON), &m.InvitationStatus); err != nil {
			return nil, fmt.Errorf("parse invitation status for %s: %w", m.AgentID, err)
		}
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
