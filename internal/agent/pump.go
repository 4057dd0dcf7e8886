package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor/conductor/internal/hooks"
	"github.com/conductor/conductor/internal/llm"
	"github.com/conductor/conductor/internal/summarizer"
	"github.com/conductor/conductor/internal/tokenecon"
	"github.com/conductor/conductor/internal/tracker"
)

// Block event types pushed to the UI for worker agents.
const (
	eventTextBlock         = "TextBlock"
	eventThinkingBlock     = "ThinkingBlock"
	eventToolUseBlock      = "ToolUseBlock"
	eventFileTrackingBlock = "FileTrackingBlock"
)

type pumpResult struct {
	sessionID string
	usage     llm.Usage
	cost      float64
	err       error
}

// pump consumes one turn's stream: response blocks become agent_log rows
// and broadcasts, the closing result settles costs and the file dossier.
// The channel is always drained, even after a persistence failure.
func (m *Manager) pump(ctx context.Context, ch <-chan llm.StreamMessage, agentID, agentName, taskSlug string, counter *hooks.Counter, tr *tracker.Tracker, model string) pumpResult {
	var (
		res        pumpResult
		lastTextID string
	)

	for msg := range ch {
		if res.err != nil {
			continue
		}
		switch msg.Type {
		case llm.MessageTypeSystem:
			m.logger.Debug("agent system message",
				zap.String("agent_name", agentName),
				zap.String("subtype", msg.Subtype))

		case llm.MessageTypeAssistant:
			for _, block := range msg.Blocks {
				blockID, err := m.recordBlock(ctx, agentID, agentName, taskSlug, counter.Next(), block)
				if err != nil {
					res.err = err
					break
				}
				if block.Type == llm.BlockTypeText {
					lastTextID = blockID
				}
			}

		case llm.MessageTypeResult:
			res.sessionID = msg.SessionID
			res.usage = msg.Usage
			res.cost = msg.TotalCostUSD
			if res.cost == 0 {
				res.cost = tokenecon.CalculateCost(msg.Usage.InputTokens, msg.Usage.OutputTokens, model)
			}
			if msg.IsError {
				res.err = errors.New(msg.Error)
				continue
			}
			m.attachFileDossier(ctx, agentID, agentName, taskSlug, lastTextID, tr)
			m.settleCosts(ctx, agentID, res)
		}
	}
	return res
}

// recordBlock persists one response block and broadcasts it.
func (m *Manager) recordBlock(ctx context.Context, agentID, agentName, taskSlug string, entryIndex int, block llm.Block) (string, error) {
	var (
		blockType string
		content   *string
		payload   map[string]any
		uiContent string
		uiSummary string
		ev        summarizer.Event
	)

	switch block.Type {
	case llm.BlockTypeText:
		blockType = "text"
		content = &block.Text
		payload = map[string]any{"text": block.Text}
		uiContent = block.Text
		uiSummary = block.Text
		ev = summarizer.Event{Type: summarizer.EventText, Content: block.Text}
	case llm.BlockTypeThinking:
		blockType = "thinking"
		content = &block.Thinking
		payload = map[string]any{"thinking": block.Thinking}
		uiContent = block.Thinking
		uiSummary = "[Agent is thinking]"
		ev = summarizer.Event{Type: summarizer.EventThinking, Content: block.Thinking}
	case llm.BlockTypeToolUse:
		blockType = "tool_use"
		payload = map[string]any{
			"tool_name":   block.Name,
			"tool_input":  block.Input,
			"tool_use_id": block.ID,
		}
		uiContent = fmt.Sprintf("[Tool] %s", block.Name)
		uiSummary = fmt.Sprintf("Using tool: %s", block.Name)
		ev = summarizer.Event{Type: summarizer.EventToolUse, ToolName: block.Name}
	default:
		return "", nil
	}

	blockID, err := m.store.InsertMessageBlock(ctx, agentID, taskSlug, entryIndex, blockType, content, payload, nil)
	if err != nil {
		return "", fmt.Errorf("insert %s block: %w", blockType, err)
	}

	if m.broadcast != nil {
		m.broadcast.AgentLog(map[string]any{
			"id":             blockID,
			"agent_id":       agentID,
			"agent_name":     agentName,
			"task_slug":      taskSlug,
			"entry_index":    entryIndex,
			"event_category": "response",
			"event_type":     blockEventType(block.Type),
			"content":        uiContent,
			"summary":        uiSummary,
			"payload":        payload,
			"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		})
	}

	if m.summaries != nil {
		m.summaries.Go(ev, func(summary string) {
			if summary == "" {
				return
			}
			if err := m.store.UpdateAgentLogSummary(context.Background(), blockID, summary); err != nil {
				m.logger.WithError(err).Warn("block summary update failed")
				return
			}
			if m.broadcast != nil {
				m.broadcast.AgentSummaryUpdate(agentID, summary)
			}
		})
	}
	return blockID, nil
}

// attachFileDossier merges the task's file-change report into the last
// text block's payload and broadcasts a synthetic file-tracking event.
// Failures are logged; the turn result stands.
func (m *Manager) attachFileDossier(ctx context.Context, agentID, agentName, taskSlug, lastTextID string, tr *tracker.Tracker) {
	if tr == nil || lastTextID == "" {
		return
	}
	dossier, ok := tr.Dossier(ctx)
	if !ok {
		return
	}

	payload := map[string]any{
		"file_changes":         dossier.FileChanges,
		"read_files":           dossier.ReadFiles,
		"total_files_modified": dossier.TotalFilesModified,
		"total_files_read":     dossier.TotalFilesRead,
		"generated_at":         dossier.GeneratedAt,
	}
	if err := m.store.UpdateAgentLogPayload(ctx, lastTextID, payload); err != nil {
		m.logger.WithError(err).WithAgentID(agentID).Warn("file dossier persist failed")
		return
	}

	if m.broadcast != nil {
		summary := fmt.Sprintf("File tracking: %d modified, %d read",
			dossier.TotalFilesModified, dossier.TotalFilesRead)
		m.broadcast.AgentLog(map[string]any{
			"id":             uuid.New().String(),
			"parent_log_id":  lastTextID,
			"agent_id":       agentID,
			"agent_name":     agentName,
			"task_slug":      taskSlug,
			"event_category": "file_tracking",
			"event_type":     eventFileTrackingBlock,
			"content":        summary,
			"summary":        summary,
			"payload":        payload,
			"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// settleCosts adds the turn's usage to the agent row and broadcasts the
// new cumulative totals.
func (m *Manager) settleCosts(ctx context.Context, agentID string, res pumpResult) {
	if res.usage.InputTokens == 0 && res.usage.OutputTokens == 0 {
		return
	}
	if err := m.store.UpdateAgentCosts(ctx, agentID, res.usage.InputTokens, res.usage.OutputTokens, res.cost); err != nil {
		m.logger.WithError(err).WithAgentID(agentID).Warn("cost update failed")
		return
	}
	updated, err := m.store.GetAgentByID(ctx, agentID)
	if err != nil {
		m.logger.WithError(err).WithAgentID(agentID).Warn("cost readback failed")
		return
	}
	if m.broadcast != nil {
		m.broadcast.AgentUpdated(map[string]any{
			"id":            updated.ID,
			"input_tokens":  updated.InputTokens,
			"output_tokens": updated.OutputTokens,
			"total_cost":    updated.TotalCost,
		})
	}
}

func blockEventType(t llm.BlockType) string {
	switch t {
	case llm.BlockTypeText:
		return eventTextBlock
	case llm.BlockTypeThinking:
		return eventThinkingBlock
	case llm.BlockTypeToolUse:
		return eventToolUseBlock
	default:
		return string(t)
	}
}
