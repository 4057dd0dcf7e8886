package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/conductor/conductor/internal/store"
)

// timedEntry pairs a history row with its timestamp for merging.
type timedEntry struct {
	at    time.Time
	entry map[string]any
}

// LoadChatHistory returns the last limit chat messages merged with the
// orchestrator's thinking/tool_use block logs, chronologically, plus the
// turn count. Results are cached per (owner, limit) until the next write.
func (s *Service) LoadChatHistory(ctx context.Context, limit int) ([]map[string]any, int, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	ownerID := s.orch.ID
	cacheKey := fmt.Sprintf("%s%d", historyCachePrefix(ownerID), limit)

	if s.economyOn() {
		if cached, ok := s.economy.Cache.Get(cacheKey); ok {
			if messages, ok := cached["messages"].([]map[string]any); ok {
				count, _ := cached["turn_count"].(int)
				return messages, count, nil
			}
		}
	}

	chat, err := s.store.ChatHistory(ctx, ownerID, limit, 0, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("load chat history: %w", err)
	}
	blocks, err := s.store.ListBlockSystemLogs(ctx, ownerID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("load block logs: %w", err)
	}
	turnCount, err := s.store.TurnCount(ctx, ownerID)
	if err != nil {
		return nil, 0, fmt.Errorf("load turn count: %w", err)
	}

	merged := make([]timedEntry, 0, len(chat)+len(blocks))
	for _, m := range chat {
		merged = append(merged, timedEntry{at: m.CreatedAt, entry: chatHistoryEntry(m)})
	}
	for _, l := range blocks {
		merged = append(merged, timedEntry{at: l.Timestamp, entry: blockHistoryEntry(l)})
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].at.Before(merged[j].at) })

	messages := make([]map[string]any, 0, len(merged))
	for _, e := range merged {
		messages = append(messages, e.entry)
	}

	if s.economyOn() {
		s.economy.Cache.Set(cacheKey, map[string]any{
			"messages":   messages,
			"turn_count": turnCount,
		})
	}
	return messages, turnCount, nil
}

func chatHistoryEntry(m *store.ChatMessage) map[string]any {
	entry := map[string]any{
		"id":                    m.ID,
		"type":                  "chat",
		"orchestrator_agent_id": m.OrchestratorAgentID,
		"sender_type":           m.SenderType,
		"receiver_type":         m.ReceiverType,
		"message":               m.Message,
		"metadata":              m.Metadata,
		"created_at":            m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.AgentID != nil {
		entry["agent_id"] = *m.AgentID
	}
	if m.Summary != nil {
		entry["summary"] = *m.Summary
	}
	return entry
}

func blockHistoryEntry(l *store.SystemLog) map[string]any {
	logType, _ := l.Metadata["log_type"].(string)
	return map[string]any{
		"id":         l.ID,
		"type":       logType,
		"content":    l.Message,
		"metadata":   l.Metadata,
		"created_at": l.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// EventQuery filters the merged event feed.
type EventQuery struct {
	AgentID    string
	TaskSlug   string
	EventTypes []string // empty or "all" means agent_logs + orchestrator_chat
	Limit      int
	Offset     int
}

// Events merges agent logs and orchestrator chat into one feed, newest
// entries selected, returned oldest first. Each entry carries a sourceType.
func (s *Service) Events(ctx context.Context, q EventQuery) ([]map[string]any, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	includeLogs, includeChat := eventSources(q.EventTypes)

	var merged []timedEntry

	if includeLogs {
		logs, names, err := s.agentLogsFor(ctx, q)
		if err != nil {
			return nil, err
		}
		for i, l := range logs {
			entry := agentLogEntry(l)
			if names != nil {
				entry["agent_name"] = names[i]
			}
			merged = append(merged, timedEntry{at: l.Timestamp, entry: entry})
		}
	}

	if includeChat {
		var agentFilter *string
		if q.AgentID != "" {
			agentFilter = &q.AgentID
		}
		chat, err := s.store.ChatHistory(ctx, s.orch.ID, q.Limit, q.Offset, agentFilter)
		if err != nil {
			return nil, fmt.Errorf("load chat events: %w", err)
		}
		for _, m := range chat {
			entry := chatHistoryEntry(m)
			entry["sourceType"] = "orchestrator_chat"
			merged = append(merged, timedEntry{at: m.CreatedAt, entry: entry})
		}
	}

	// Newest first to pick the window, then chronological for the caller.
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].at.After(merged[j].at) })
	if len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	events := make([]map[string]any, 0, len(merged))
	for i := len(merged) - 1; i >= 0; i-- {
		events = append(events, merged[i].entry)
	}
	return events, nil
}

func (s *Service) agentLogsFor(ctx context.Context, q EventQuery) ([]*store.AgentLog, []string, error) {
	if q.AgentID != "" {
		var slug *string
		if q.TaskSlug != "" {
			slug = &q.TaskSlug
		}
		logs, err := s.store.GetAgentLogs(ctx, q.AgentID, slug, q.Limit, q.Offset)
		if err != nil {
			return nil, nil, fmt.Errorf("load agent logs: %w", err)
		}
		return logs, nil, nil
	}
	logs, names, err := s.store.ListAgentLogs(ctx, s.orch.ID, q.Limit, q.Offset)
	if err != nil {
		return nil, nil, fmt.Errorf("load agent logs: %w", err)
	}
	return logs, names, nil
}

func agentLogEntry(l *store.AgentLog) map[string]any {
	entry := map[string]any{
		"id":             l.ID,
		"sourceType":     "agent_log",
		"agent_id":       l.AgentID,
		"task_slug":      l.TaskSlug,
		"entry_index":    l.EntryIndex,
		"event_category": l.EventCategory,
		"event_type":     l.EventType,
		"payload":        l.Payload,
		"created_at":     l.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if l.Content != nil {
		entry["content"] = *l.Content
	}
	if l.Summary != nil {
		entry["summary"] = *l.Summary
	}
	return entry
}

func eventSources(types []string) (agentLogs, chat bool) {
	if len(types) == 0 {
		return true, true
	}
	for _, t := range types {
		switch t {
		case "all":
			return true, true
		case "agent_logs":
			agentLogs = true
		case "orchestrator_chat":
			chat = true
		}
	}
	if !agentLogs && !chat {
		return true, true
	}
	return agentLogs, chat
}
