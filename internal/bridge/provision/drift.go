package provision

import (
	"context"
	"log/slog"

	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/matrix"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/store"
)

// HealDrift verifies that every converged mapping still matches reality on
// the homeserver and repairs the database when it does not. Two drifts are
// handled:
//
//   - the stored room no longer exists or the agent was removed from it:
//     the mapping's room flags are cleared so the next cycle re-provisions
//     (recreating or re-adopting a room);
//   - the mapping has no room but the agent is already in a room carrying
//     the agent-chat name: the room is adopted instead of creating a
//     duplicate.
//
// Returns the number of repairs written.
func (p *Provisioner) HealDrift(ctx context.Context) (int, error) {
	mappings, err := p.store.AllMappings(ctx)
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, m := range mappings {
		if !m.Created {
			continue
		}
		ident := matrix.Identity{Username: DeriveUsername(m.AgentID), Password: m.MatrixPassword}

		repaired, err := p.healMapping(ctx, ident, m)
		if err != nil {
			slog.Warn("drift check failed", "agent_id", m.AgentID, "error", err)
			continue
		}
		if repaired {
			if err := p.store.UpsertMapping(ctx, m); err != nil {
				slog.Error("persist drift repair failed", "agent_id", m.AgentID, "error", err)
				continue
			}
			fixed++
		}
	}
	return fixed, nil
}

// healMapping inspects one mapping, mutating it in place when drift is
// found. Reports whether the mapping changed.
func (p *Provisioner) healMapping(ctx context.Context, ident matrix.Identity, m *store.Mapping) (bool, error) {
	rooms, err := p.matrix.JoinedRooms(ctx, ident)
	if err != nil {
		return false, err
	}
	joined := make(map[id.RoomID]struct{}, len(rooms))
	for _, r := range rooms {
		joined[r] = struct{}{}
	}

	if m.RoomCreated && m.RoomID != "" {
		if _, ok := joined[id.RoomID(m.RoomID)]; ok {
			return false, nil
		}
		// Membership lost. Prefer a joined room carrying the agent-chat
		// name: observed Matrix state wins over the stale row.
		if adopted := p.adoptExistingRoom(ctx, ident, m.AgentName); adopted != "" && adopted.String() != m.RoomID {
			slog.Info("agent room moved, following",
				"agent_id", m.AgentID, "old_room", m.RoomID, "new_room", adopted)
			m.RoomID = adopted.String()
			// Core-user membership belongs to the old room; reconverge.
			m.InvitationStatus = map[string]string{}
			return true, nil
		}
		// Rejoining handles a plain kick; anything else means the room is
		// gone and the cycle must start over.
		if err := p.matrix.JoinRoom(ctx, ident, id.RoomID(m.RoomID)); err == nil {
			slog.Info("rejoined agent room", "agent_id", m.AgentID, "room_id", m.RoomID)
			return false, nil
		}
		slog.Info("agent room lost, clearing mapping",
			"agent_id", m.AgentID, "room_id", m.RoomID)
		m.RoomID = ""
		m.RoomCreated = false
		m.InvitationStatus = map[string]string{}
		return true, nil
	}

	// No room on record: adopt a suffix-matching room if one exists.
	if adopted := p.adoptExistingRoom(ctx, ident, m.AgentName); adopted != "" {
		slog.Info("drift healer adopted room",
			"agent_id", m.AgentID, "room_id", adopted)
		m.RoomID = adopted.String()
		m.RoomCreated = true
		m.InvitationStatus = map[string]string{}
		return true, nil
	}
	return false, nil
}
