// Package hooks translates session lifecycle events into persisted agent
// log rows and WebSocket broadcasts. One Builder serves one task run.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/conductor/conductor/internal/common/logger"
	"github.com/conductor/conductor/internal/common/stringutil"
	"github.com/conductor/conductor/internal/llm"
	"github.com/conductor/conductor/internal/summarizer"
	"github.com/conductor/conductor/internal/tracker"
)

// Hook event types, matching the SDK lifecycle names.
const (
	EventPreToolUse       = "PreToolUse"
	EventPostToolUse      = "PostToolUse"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventStop             = "Stop"
	EventSubagentStop     = "SubagentStop"
	EventPreCompact       = "PreCompact"
)

const (
	maxPromptPayloadChars = 1000
	maxResultPayloadChars = 500
	promptPreviewChars    = 53
)

// Recorder is the store subset the hook runtime writes through.
type Recorder interface {
	InsertHookEvent(ctx context.Context, agentID, taskSlug string, entryIndex int, eventType string, payload map[string]any, content *string, sessionID *string) (string, error)
	UpdateAgentLogSummary(ctx context.Context, logID, summary string) error
	ResetAgentTokens(ctx context.Context, id string) error
}

// Notifier is the broadcast subset the hook runtime pushes through.
type Notifier interface {
	AgentLog(log map[string]any)
	AgentSummaryUpdate(agentID, summary string)
}

// Summaries schedules background one-sentence summaries.
type Summaries interface {
	Go(ev summarizer.Event, apply func(summary string))
}

// Counter hands out sequential entry indexes for one task. It is shared
// with the message pump so hook rows and block rows interleave in order.
type Counter struct {
	n atomic.Int64
}

// Next returns the next 0-based entry index.
func (c *Counter) Next() int {
	return int(c.n.Add(1) - 1)
}

// Builder assembles the hook set for one agent task. Summarizer and
// Tracker are optional.
type Builder struct {
	AgentID    string
	AgentName  string
	TaskSlug   string
	SessionID  *string
	Counter    *Counter
	Store      Recorder
	Broadcast  Notifier
	Summarizer Summaries
	Tracker    *tracker.Tracker
	Logger     *logger.Logger
}

// Build returns the six lifecycle hooks. Persistence failures on prompt
// and tool hooks abort the turn; everything downstream of a successful
// insert (broadcast, summary) is best-effort.
func (b *Builder) Build() llm.Hooks {
	if b.Counter == nil {
		b.Counter = &Counter{}
	}
	if b.Logger == nil {
		b.Logger = logger.Default()
	}
	return llm.Hooks{
		UserPromptSubmit: b.userPromptSubmit,
		PreTool:          b.preTool,
		PostTool:         b.postTool,
		Stop:             b.stop,
		SubagentStop:     b.subagentStop,
		PreCompact:       b.preCompact,
	}
}

func (b *Builder) userPromptSubmit(ctx context.Context, prompt string) error {
	payload := map[string]any{
		"prompt":        stringutil.TruncateString(prompt, maxPromptPayloadChars),
		"prompt_length": len(prompt),
		"timestamp":     now(),
	}
	preview := stringutil.TruncateStringWithEllipsis(prompt, promptPreviewChars)
	return b.record(ctx, EventUserPromptSubmit, payload,
		fmt.Sprintf("User prompt: %s", preview),
		fmt.Sprintf("User: %s", preview),
		summarizer.Event{Type: summarizer.EventUserPromptSubmit, Content: prompt})
}

func (b *Builder) preTool(ctx context.Context, toolName string, toolInput map[string]any, toolUseID string) error {
	payload := map[string]any{
		"tool_name":   toolName,
		"tool_input":  toolInput,
		"tool_use_id": toolUseID,
		"timestamp":   now(),
	}
	return b.record(ctx, EventPreToolUse, payload,
		fmt.Sprintf("Using tool: %s", toolName),
		fmt.Sprintf("Using tool: %s", toolName),
		summarizer.Event{Type: summarizer.EventPreToolUse, ToolName: toolName, Content: compactJSON(toolInput)})
}

func (b *Builder) postTool(ctx context.Context, toolName string, toolInput map[string]any, result string, isError bool, toolUseID string) error {
	if b.Tracker != nil && !isError {
		b.Tracker.RecordToolUse(toolName, toolInput)
	}

	payload := map[string]any{
		"tool_name":   toolName,
		"is_error":    isError,
		"tool_use_id": toolUseID,
		"timestamp":   now(),
	}
	if result != "" {
		payload["result"] = stringutil.TruncateString(result, maxResultPayloadChars)
	}
	return b.record(ctx, EventPostToolUse, payload,
		fmt.Sprintf("Tool result: %s", toolName),
		fmt.Sprintf("Completed tool: %s", toolName),
		summarizer.Event{Type: summarizer.EventPostToolUse, ToolName: toolName, Content: result})
}

func (b *Builder) stop(ctx context.Context, reason string, numTurns int, durationMS int64) error {
	payload := map[string]any{
		"reason":      reason,
		"num_turns":   numTurns,
		"duration_ms": durationMS,
		"timestamp":   now(),
	}
	return b.record(ctx, EventStop, payload,
		fmt.Sprintf("Agent stopped: %s", reason),
		fmt.Sprintf("Stopped after %d turns", numTurns),
		summarizer.Event{Type: summarizer.EventStop, Content: reason})
}

func (b *Builder) subagentStop(ctx context.Context, subagentID string) error {
	payload := map[string]any{
		"subagent_id": subagentID,
		"timestamp":   now(),
	}
	return b.record(ctx, EventSubagentStop, payload,
		fmt.Sprintf("Subagent %s completed", subagentID),
		"Subagent completed",
		summarizer.Event{Type: summarizer.EventSubagentStop, Content: subagentID})
}

// preCompact logs the compaction and zeroes the agent's token counters so
// post-compaction usage accumulates against the new context.
func (b *Builder) preCompact(ctx context.Context, tokensBefore int) error {
	payload := map[string]any{
		"tokens_before": tokensBefore,
		"timestamp":     now(),
	}
	if err := b.record(ctx, EventPreCompact, payload,
		fmt.Sprintf("Context compaction: %d tokens", tokensBefore),
		"Context compaction triggered",
		summarizer.Event{Type: summarizer.EventPreCompact, Content: strconv.Itoa(tokensBefore)}); err != nil {
		return err
	}
	if err := b.Store.ResetAgentTokens(ctx, b.AgentID); err != nil {
		return fmt.Errorf("reset agent tokens: %w", err)
	}
	return nil
}

// record inserts the hook row, broadcasts it, and schedules its summary.
func (b *Builder) record(ctx context.Context, eventType string, payload map[string]any, content, summary string, ev summarizer.Event) error {
	entryIndex := b.Counter.Next()

	b.Logger.WithAgentID(b.AgentID).WithTaskSlug(b.TaskSlug).WithFields(
		zap.Int("entry_index", entryIndex),
		zap.String("event_type", eventType),
	).Debug("hook event")

	logID, err := b.Store.InsertHookEvent(ctx, b.AgentID, b.TaskSlug, entryIndex, eventType, payload, &content, b.SessionID)
	if err != nil {
		return fmt.Errorf("insert %s hook event: %w", eventType, err)
	}

	if b.Broadcast != nil {
		b.Broadcast.AgentLog(map[string]any{
			"id":             logID,
			"agent_id":       b.AgentID,
			"agent_name":     b.AgentName,
			"task_slug":      b.TaskSlug,
			"entry_index":    entryIndex,
			"event_category": "hook",
			"event_type":     eventType,
			"content":        content,
			"summary":        summary,
			"payload":        payload,
			"timestamp":      payload["timestamp"],
		})
	}

	if b.Summarizer != nil {
		b.Summarizer.Go(ev, func(generated string) {
			b.applySummary(logID, generated)
		})
	}
	return nil
}

// applySummary persists and broadcasts a generated summary. Failures are
// logged only; summaries are decoration.
func (b *Builder) applySummary(logID, summary string) {
	if summary == "" {
		return
	}
	if err := b.Store.UpdateAgentLogSummary(context.Background(), logID, summary); err != nil {
		b.Logger.WithError(err).WithFields(zap.String("log_id", logID)).
			Warn("summary update failed")
		return
	}
	if b.Broadcast != nil {
		b.Broadcast.AgentSummaryUpdate(b.AgentID, summary)
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func compactJSON(v map[string]any) string {
	if len(v) == 0 {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
