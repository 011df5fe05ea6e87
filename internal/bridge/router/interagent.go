package router

import (
	"fmt"

	"github.com/google/uuid"
)

// Event-content keys for bridge-mediated agent-to-agent messages. They ride
// in the raw content of an ordinary m.room.message so plain Matrix clients
// render the message unchanged.
const (
	KeyFromAgentID   = "m.letta.from_agent_id"
	KeyFromAgentName = "m.letta.from_agent_name"
	KeyType          = "m.letta.type"
	KeyTrackingID    = "m.letta.tracking_id"

	// KeyHistorical marks events replayed from history imports; the router
	// never forwards them.
	KeyHistorical = "m.letta_historical"
)

// Message types carried in KeyType.
const (
	TypeInterAgent      = "inter_agent"
	TypeAsyncInterAgent = "async_inter_agent_request"
)

// Origin identifies the sending agent of an inter-agent message.
type Origin struct {
	AgentID    string
	AgentName  string
	Type       string
	TrackingID string
}

// ParseOrigin extracts inter-agent metadata from raw event content.
// Reports false for ordinary user messages.
func ParseOrigin(raw map[string]any) (Origin, bool) {
	fromID, _ := raw[KeyFromAgentID].(string)
	if fromID == "" {
		return Origin{}, false
	}
	o := Origin{AgentID: fromID}
	o.AgentName, _ = raw[KeyFromAgentName].(string)
	o.Type, _ = raw[KeyType].(string)
	o.TrackingID, _ = raw[KeyTrackingID].(string)
	if o.AgentName == "" {
		o.AgentName = fromID
	}
	return o, true
}

// IsHistorical reports whether the event is flagged as replayed history.
func IsHistorical(raw map[string]any) bool {
	switch v := raw[KeyHistorical].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// RewritePrompt wraps an inter-agent message so the receiving agent knows
// who is talking and how to answer. The wording is part of the protocol:
// agents are prompted to reply through the async tool, keyed by agent ID.
func RewritePrompt(o Origin, body string) string {
	return fmt.Sprintf(`[INTER-AGENT MESSAGE from %s]

%s

---
IMPORTANT: This is a message from another Letta agent (%s, ID: %s).
To respond to %s, use the 'matrix_agent_message_async' tool with:
- to_agent_id: "%s"
- message: your response`,
		o.AgentName, body, o.AgentName, o.AgentID, o.AgentName, o.AgentID)
}

// BuildInterAgentContent builds the raw content keys for an outgoing
// inter-agent message and returns them with the generated tracking ID.
func BuildInterAgentContent(fromAgentID, fromAgentName, msgType string) (map[string]any, string) {
	trackingID := uuid.NewString()
	return map[string]any{
		KeyFromAgentID:   fromAgentID,
		KeyFromAgentName: fromAgentName,
		KeyType:          msgType,
		KeyTrackingID:    trackingID,
	}, trackingID
}
