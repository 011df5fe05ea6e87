package provision

import "strings"

// RoomNameSuffix marks a room as an agent chat room. Drift healing keys on
// it, so it must stay stable across releases.
const RoomNameSuffix = " - Letta Agent Chat"

// DeriveUsername maps a Letta agent ID to its Matrix localpart. The mapping
// is a pure function of the agent ID: renames never change it, and two
// distinct agents can never collide.
func DeriveUsername(agentID string) string {
	return "agent_" + strings.ReplaceAll(agentID, "-", "_")
}

// RoomName builds the canonical room name for an agent.
func RoomName(agentName string) string {
	return agentName + RoomNameSuffix
}

// AgentNameFromRoom extracts the agent name from a room name, reporting
// whether the room name carries the agent-chat suffix at all.
func AgentNameFromRoom(roomName string) (string, bool) {
	if !strings.HasSuffix(roomName, RoomNameSuffix) {
		return "", false
	}
	return strings.TrimSuffix(roomName, RoomNameSuffix), true
}
