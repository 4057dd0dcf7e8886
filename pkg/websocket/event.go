// Package websocket defines the server-initiated event frames pushed to UI
// clients. Every frame is a flat JSON object with a "type" discriminator and
// a "timestamp"; the remaining fields are event-specific.
package websocket

import (
	"encoding/json"
	"time"
)

// EventType discriminates outbound frames.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventPing                  EventType = "ping"
	EventHeartbeat             EventType = "heartbeat"

	EventOrchestratorChat    EventType = "orchestrator_chat"
	EventChatStream          EventType = "chat_stream"
	EventChatTyping          EventType = "chat_typing"
	EventThinkingBlock       EventType = "thinking_block"
	EventToolUseBlock        EventType = "tool_use_block"
	EventOrchestratorUpdated EventType = "orchestrator_updated"

	EventAgentCreated       EventType = "agent_created"
	EventAgentUpdated       EventType = "agent_updated"
	EventAgentDeleted       EventType = "agent_deleted"
	EventAgentStatusChanged EventType = "agent_status_changed"
	EventAgentLog           EventType = "agent_log"
	EventAgentSummaryUpdate EventType = "agent_summary_update"

	EventSystemLog EventType = "system_log"
	EventCostAlert EventType = "cost_alert"
	EventError     EventType = "error"
)

// Event is a single outbound frame. Fields holds the event-specific
// top-level keys; they are flattened next to "type" and "timestamp" when
// marshaled so clients see one flat object per frame.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Fields    map[string]any
}

// NewEvent builds an event frame stamped with the current UTC time.
func NewEvent(eventType EventType, fields map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
}

// MarshalJSON flattens Fields next to the type and timestamp keys.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	out["timestamp"] = ts.Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// UnmarshalJSON splits the type and timestamp keys back out of a flat frame.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"].(string); ok {
		e.Type = EventType(t)
	}
	if ts, ok := raw["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
	}
	delete(raw, "type")
	delete(raw, "timestamp")
	e.Fields = raw
	return nil
}
