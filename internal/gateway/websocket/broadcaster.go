package websocket

import (
	"context"
	"time"

	"github.com/conductor/conductor/internal/events/bus"
	ws "github.com/conductor/conductor/pkg/websocket"
)

// Broadcaster wraps the hub with one typed helper per outbound event class.
// Lifecycle events are mirrored on the event bus for in-process subscribers
// and, when configured, other services over NATS.
type Broadcaster struct {
	hub *Hub
	bus bus.EventBus
}

// NewBroadcaster creates a Broadcaster. eventBus may be nil when no mirror
// is wanted.
func NewBroadcaster(hub *Hub, eventBus bus.EventBus) *Broadcaster {
	return &Broadcaster{hub: hub, bus: eventBus}
}

// Hub returns the wrapped hub.
func (b *Broadcaster) Hub() *Hub { return b.hub }

func (b *Broadcaster) emit(eventType ws.EventType, fields map[string]any) {
	b.hub.Broadcast(ws.NewEvent(eventType, fields))
}

func (b *Broadcaster) mirror(subject string, eventType ws.EventType, fields map[string]any) {
	if b.bus == nil {
		return
	}
	_ = b.bus.Publish(context.Background(), subject, bus.NewEvent(string(eventType), "conductor", fields))
}

// OrchestratorChat pushes a persisted chat message to all clients.
func (b *Broadcaster) OrchestratorChat(message map[string]any) {
	b.emit(ws.EventOrchestratorChat, map[string]any{"message": message})
}

// ChatStream flags streaming progress; the empty chunk with is_complete=true
// marks the end of a turn.
func (b *Broadcaster) ChatStream(chunk string, isComplete bool) {
	b.emit(ws.EventChatStream, map[string]any{
		"chunk":       chunk,
		"is_complete": isComplete,
	})
}

// ChatTyping toggles the typing indicator.
func (b *Broadcaster) ChatTyping(orchestratorID string, isTyping bool) {
	b.emit(ws.EventChatTyping, map[string]any{
		"orchestrator_agent_id": orchestratorID,
		"is_typing":             isTyping,
	})
}

// ThinkingBlock pushes an orchestrator thinking block.
func (b *Broadcaster) ThinkingBlock(data map[string]any) {
	b.emit(ws.EventThinkingBlock, map[string]any{"data": data})
}

// ToolUseBlock pushes an orchestrator tool use block.
func (b *Broadcaster) ToolUseBlock(data map[string]any) {
	b.emit(ws.EventToolUseBlock, map[string]any{"data": data})
}

// AgentCreated announces a new worker agent.
func (b *Broadcaster) AgentCreated(agent map[string]any) {
	b.emit(ws.EventAgentCreated, map[string]any{"agent": agent})
	b.mirror(bus.SubjectAgentCreated, ws.EventAgentCreated, agent)
}

// AgentUpdated announces a change to a worker agent's row.
func (b *Broadcaster) AgentUpdated(agent map[string]any) {
	b.emit(ws.EventAgentUpdated, map[string]any{"agent": agent})
	b.mirror(bus.SubjectAgentUpdated, ws.EventAgentUpdated, agent)
}

// AgentDeleted announces a soft-deleted worker agent.
func (b *Broadcaster) AgentDeleted(agentID string) {
	fields := map[string]any{"agent_id": agentID}
	b.emit(ws.EventAgentDeleted, fields)
	b.mirror(bus.SubjectAgentDeleted, ws.EventAgentDeleted, fields)
}

// AgentStatusChanged announces a worker status transition.
func (b *Broadcaster) AgentStatusChanged(agentID, oldStatus, newStatus string) {
	fields := map[string]any{
		"agent_id":   agentID,
		"old_status": oldStatus,
		"new_status": newStatus,
	}
	b.emit(ws.EventAgentStatusChanged, fields)
	b.mirror(bus.SubjectAgentStatusChanged, ws.EventAgentStatusChanged, fields)
}

// AgentLog pushes a persisted agent log row.
func (b *Broadcaster) AgentLog(log map[string]any) {
	b.emit(ws.EventAgentLog, log)
	b.mirror(bus.SubjectAgentLog, ws.EventAgentLog, log)
}

// AgentSummaryUpdate pushes a freshly generated log summary.
func (b *Broadcaster) AgentSummaryUpdate(agentID, summary string) {
	b.emit(ws.EventAgentSummaryUpdate, map[string]any{
		"agent_id": agentID,
		"summary":  summary,
	})
}

// OrchestratorUpdated pushes the orchestrator's new token/cost totals.
func (b *Broadcaster) OrchestratorUpdated(id string, inputTokens, outputTokens int64, totalCost float64, updatedAt time.Time) {
	fields := map[string]any{
		"id":            id,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"total_cost":    totalCost,
		"updated_at":    updatedAt.UTC().Format(time.RFC3339Nano),
	}
	b.emit(ws.EventOrchestratorUpdated, fields)
	b.mirror(bus.SubjectOrchestratorUpdate, ws.EventOrchestratorUpdated, fields)
}

// SystemLog pushes a persisted system log row.
func (b *Broadcaster) SystemLog(level, message string, metadata map[string]any) {
	b.emit(ws.EventSystemLog, map[string]any{
		"level":    level,
		"message":  message,
		"metadata": metadata,
	})
}

// CostAlert pushes a budget or spend alert.
func (b *Broadcaster) CostAlert(alert map[string]any) {
	b.emit(ws.EventCostAlert, alert)
	b.mirror(bus.SubjectCostAlert, ws.EventCostAlert, alert)
}

// Error pushes an error frame.
func (b *Broadcaster) Error(message string) {
	b.emit(ws.EventError, map[string]any{"error": message})
}
