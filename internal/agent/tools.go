package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/conductor/conductor/internal/common/stringutil"
	"github.com/conductor/conductor/internal/common/tracing"
	"github.com/conductor/conductor/internal/llm"
)

const (
	defaultTailCount   = 10
	defaultLogLimit    = 50
	contextWindowGuess = 200000
)

// ManagementTools returns the eight virtual tools the orchestrator session
// binds. Handlers return human-readable text for the model; validation
// failures come back as errors so the model sees a structured error result.
func (m *Manager) ManagementTools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "create_agent",
			Description: "Create a new worker agent. Provide a unique name and either a system_prompt or a subagent_template. Optional model accepts sonnet, haiku, fast, opus or a full model name.",
			InputSchema: objectSchema(map[string]any{
				"name":              map[string]any{"type": "string", "description": "Unique agent name"},
				"system_prompt":     map[string]any{"type": "string", "description": "System prompt for the agent"},
				"model":             map[string]any{"type": "string", "description": "Model or tier alias"},
				"subagent_template": map[string]any{"type": "string", "description": "Template name from .claude/agents/"},
			}, "name"),
			Handler: m.toolCreateAgent,
		},
		{
			Name:        "list_agents",
			Description: "List all active worker agents with status, model and cumulative costs.",
			InputSchema: objectSchema(map[string]any{}),
			Handler:     m.toolListAgents,
		},
		{
			Name:        "command_agent",
			Description: "Send a command to a worker agent. Returns immediately with a task slug; progress streams to the UI.",
			InputSchema: objectSchema(map[string]any{
				"agent_name": map[string]any{"type": "string"},
				"command":    map[string]any{"type": "string"},
			}, "agent_name", "command"),
			Handler: m.toolCommandAgent,
		},
		{
			Name:        "check_agent_status",
			Description: "Check a worker agent's status and the tail of its latest task log. Set verbose for raw entries instead of summaries.",
			InputSchema: objectSchema(map[string]any{
				"agent_name": map[string]any{"type": "string"},
				"tail_count": map[string]any{"type": "integer", "description": "Entries to return, default 10"},
				"offset":     map[string]any{"type": "integer", "description": "Entries to skip from the end"},
				"verbose":    map[string]any{"type": "boolean", "description": "Return raw log entries"},
			}, "agent_name"),
			Handler: m.toolCheckAgentStatus,
		},
		{
			Name:        "delete_agent",
			Description: "Delete a worker agent. The agent is archived; its logs remain.",
			InputSchema: objectSchema(map[string]any{
				"agent_name": map[string]any{"type": "string"},
			}, "agent_name"),
			Handler: m.toolDeleteAgent,
		},
		{
			Name:        "interrupt_agent",
			Description: "Interrupt a worker agent's running task.",
			InputSchema: objectSchema(map[string]any{
				"agent_name": map[string]any{"type": "string"},
			}, "agent_name"),
			Handler: m.toolInterruptAgent,
		},
		{
			Name:        "read_system_logs",
			Description: "Read orchestrator system logs, newest first. Filters: message_contains (case-insensitive substring), level.",
			InputSchema: objectSchema(map[string]any{
				"offset":           map[string]any{"type": "integer"},
				"limit":            map[string]any{"type": "integer", "description": "Default 50"},
				"message_contains": map[string]any{"type": "string"},
				"level":            map[string]any{"type": "string"},
			}),
			Handler: m.toolReadSystemLogs,
		},
		{
			Name:        "report_cost",
			Description: "Report the orchestrator's cumulative token usage, cost and estimated context window consumption.",
			InputSchema: objectSchema(map[string]any{}),
			Handler:     m.toolReportCost,
		},
	}
}

func (m *Manager) toolCreateAgent(ctx context.Context, input map[string]any) (string, error) {
	name := strArg(input, "name")
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	systemPrompt := strArg(input, "system_prompt")
	templateName := strArg(input, "subagent_template")
	if systemPrompt == "" && templateName == "" {
		return "", fmt.Errorf("system_prompt is required unless subagent_template is given")
	}

	ctx, span := tracing.TraceToolDispatch(ctx, "create_agent", name)
	res, err := m.CreateAgent(ctx, name, systemPrompt, strArg(input, "model"), templateName)
	tracing.RecordResult(span, err)
	span.End()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created agent %q (id %s, model %s). It is idle and awaiting instructions.",
		name, res.AgentID, res.Model), nil
}

func (m *Manager) toolListAgents(ctx context.Context, _ map[string]any) (string, error) {
	agents, err := m.store.ListAgents(ctx, m.cfg.OwnerID, false)
	if err != nil {
		return "", err
	}
	if len(agents) == 0 {
		return "No active agents.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-12s %-30s %10s %10s %10s\n", "NAME", "STATUS", "MODEL", "IN_TOK", "OUT_TOK", "COST_USD")
	for _, a := range agents {
		fmt.Fprintf(&b, "%-20s %-12s %-30s %10d %10d %10.4f\n",
			a.Name, a.Status, a.Model, a.InputTokens, a.OutputTokens, a.TotalCost)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (m *Manager) toolCommandAgent(ctx context.Context, input map[string]any) (string, error) {
	agentName := strArg(input, "agent_name")
	command := strArg(input, "command")
	if agentName == "" || command == "" {
		return "", fmt.Errorf("agent_name and command are required")
	}

	agent, err := m.store.GetAgentByName(ctx, m.cfg.OwnerID, agentName)
	if err != nil {
		return "", err
	}
	if m.IsActive(agentName) {
		return "", fmt.Errorf("agent %q is already executing a task; interrupt it first", agentName)
	}

	taskSlug := stringutil.TaskSlug(command, taskSlugHead, time.Now().UTC())

	// The command runs detached from the orchestrator turn: its stream keeps
	// flowing after this tool call returns.
	go func() {
		cctx, span := tracing.TraceAgentCommand(context.Background(), agent.ID, taskSlug)
		_, err := m.ExecuteCommand(cctx, agent.ID, command, taskSlug)
		tracing.RecordResult(span, err)
		span.End()
		if err != nil {
			m.logger.WithError(err).WithAgentID(agent.ID).WithTaskSlug(taskSlug).
				Warn("agent command failed")
		}
		m.notifySubagentStop(agent.ID)
	}()

	return fmt.Sprintf("Command dispatched to %q as task %s. Check progress with check_agent_status.",
		agentName, taskSlug), nil
}

func (m *Manager) toolCheckAgentStatus(ctx context.Context, input map[string]any) (string, error) {
	agentName := strArg(input, "agent_name")
	if agentName == "" {
		return "", fmt.Errorf("agent_name is required")
	}
	agent, err := m.store.GetAgentByName(ctx, m.cfg.OwnerID, agentName)
	if err != nil {
		return "", err
	}

	tailCount := intArg(input, "tail_count", defaultTailCount)
	offset := intArg(input, "offset", 0)
	verbose := boolArg(input, "verbose")

	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s: status=%s model=%s tokens=%d/%d cost=$%.4f\n",
		agent.Name, agent.Status, agent.Model, agent.InputTokens, agent.OutputTokens, agent.TotalCost)

	taskSlug, err := m.store.GetLatestTaskSlug(ctx, agent.ID)
	if err != nil {
		return "", err
	}
	if taskSlug == "" {
		b.WriteString("No tasks executed yet.")
		return b.String(), nil
	}
	fmt.Fprintf(&b, "Latest task: %s\n", taskSlug)

	if verbose {
		logs, err := m.store.GetTailRaw(ctx, agent.ID, taskSlug, tailCount, offset)
		if err != nil {
			return "", err
		}
		for _, l := range logs {
			line := ""
			if l.Content != nil {
				line = stringutil.TruncateStringWithEllipsis(*l.Content, 200)
			}
			fmt.Fprintf(&b, "[%d] %s/%s: %s\n", l.EntryIndex, l.EventCategory, l.EventType, line)
		}
	} else {
		summaries, err := m.store.GetTailSummaries(ctx, agent.ID, taskSlug, tailCount, offset)
		if err != nil {
			return "", err
		}
		if len(summaries) == 0 {
			b.WriteString("No summarized entries yet; retry with verbose=true for raw logs.")
			return b.String(), nil
		}
		for _, s := range summaries {
			fmt.Fprintf(&b, "[%d] %s\n", s.EntryIndex, s.Summary)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (m *Manager) toolDeleteAgent(ctx context.Context, input map[string]any) (string, error) {
	agentName := strArg(input, "agent_name")
	if agentName == "" {
		return "", fmt.Errorf("agent_name is required")
	}
	if m.IsActive(agentName) {
		m.Interrupt(agentName)
	}
	agentID, err := m.DeleteAgent(ctx, agentName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted agent %q (id %s).", agentName, agentID), nil
}

func (m *Manager) toolInterruptAgent(_ context.Context, input map[string]any) (string, error) {
	agentName := strArg(input, "agent_name")
	if agentName == "" {
		return "", fmt.Errorf("agent_name is required")
	}
	if !m.Interrupt(agentName) {
		return fmt.Sprintf("Agent %q has no running task; nothing to interrupt.", agentName), nil
	}
	return fmt.Sprintf("Interrupted agent %q.", agentName), nil
}

func (m *Manager) toolReadSystemLogs(ctx context.Context, input map[string]any) (string, error) {
	limit := intArg(input, "limit", defaultLogLimit)
	offset := intArg(input, "offset", 0)
	logs, err := m.store.ListSystemLogs(ctx, limit, offset,
		strArg(input, "message_contains"), strArg(input, "level"))
	if err != nil {
		return "", err
	}
	if len(logs) == 0 {
		return "No matching system logs.", nil
	}
	var b strings.Builder
	for _, l := range logs {
		fmt.Fprintf(&b, "%s [%s] %s\n",
			l.Timestamp.UTC().Format(time.RFC3339), l.Level,
			stringutil.TruncateStringWithEllipsis(l.Message, 200))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (m *Manager) toolReportCost(ctx context.Context, _ map[string]any) (string, error) {
	orch, err := m.store.GetOrchestratorByID(ctx, m.cfg.OwnerID)
	if err != nil {
		return "", err
	}
	window := m.cfg.ContextWindow
	if window <= 0 {
		window = contextWindowGuess
	}
	contextPct := float64(orch.InputTokens+orch.OutputTokens) / float64(window) * 100
	return fmt.Sprintf(
		"Orchestrator usage: %d input tokens, %d output tokens, $%.4f total. Estimated context usage: %.1f%% of %d tokens.",
		orch.InputTokens, orch.OutputTokens, orch.TotalCost, contextPct, window), nil
}

// ToolSignatures describes the management tools for the UI.
func (m *Manager) ToolSignatures() []map[string]any {
	defs := m.ManagementTools()
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		params := make([]string, 0)
		if props, ok := def.InputSchema["properties"].(map[string]any); ok {
			for p := range props {
				params = append(params, p)
			}
			sort.Strings(params)
		}
		out = append(out, map[string]any{
			"name":        def.Name,
			"description": def.Description,
			"parameters":  params,
		})
	}
	return out
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strArg(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func boolArg(input map[string]any, key string) bool {
	v, _ := input[key].(bool)
	return v
}
