// Package orchestrator runs the privileged conversation a user talks to.
// The service owns the singleton orchestrator session, executes the
// three-phase turn (pre-execution logging, streamed execution, post-execution
// cost reconciliation) and enforces the at-most-one-active-turn invariant.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor/conductor/internal/common/logger"
	"github.com/conductor/conductor/internal/common/tracing"
	"github.com/conductor/conductor/internal/hooks"
	"github.com/conductor/conductor/internal/llm"
	"github.com/conductor/conductor/internal/store"
	"github.com/conductor/conductor/internal/summarizer"
	"github.com/conductor/conductor/internal/tokenecon"
)

const (
	// cacheContextDepth is how many trailing messages feed the response
	// cache key.
	cacheContextDepth = 5

	// rateEstimateDepth is how many trailing messages feed the pre-turn
	// token estimate.
	rateEstimateDepth = 20
)

// Broadcast is the fan-out surface the service pushes turn events through.
// The gateway broadcaster satisfies it.
type Broadcast interface {
	OrchestratorChat(message map[string]any)
	ChatStream(chunk string, isComplete bool)
	ChatTyping(orchestratorID string, isTyping bool)
	ThinkingBlock(data map[string]any)
	ToolUseBlock(data map[string]any)
	OrchestratorUpdated(id string, inputTokens, outputTokens int64, totalCost float64, updatedAt time.Time)
	SystemLog(level, message string, metadata map[string]any)
	Error(message string)
}

// Config fixes the orchestrator's identity and turn limits.
type Config struct {
	SystemPrompt     string
	WorkingDir       string
	HistoryLimit     int
	MaxContextTokens int
	MaxTurns         int
	DefaultModel     string
	FastModel        string
	PremiumModel     string
}

// Service hosts the orchestrator conversation.
type Service struct {
	cfg       Config
	store     *store.Store
	client    *llm.Client
	broadcast Broadcast
	economy   *tokenecon.Economy
	summaries hooks.Summaries
	tools     []llm.ToolDefinition
	logger    *logger.Logger

	orch               *store.Orchestrator
	session            *llm.Session
	startedWithSession bool

	mu             sync.Mutex
	turnActive     bool
	sysMsgCaptured bool
}

// New builds the service. Load must be called before the first turn.
func New(cfg Config, st *store.Store, client *llm.Client, economy *tokenecon.Economy, summaries hooks.Summaries, broadcast Broadcast, tools []llm.ToolDefinition, log *logger.Logger) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		client:    client,
		economy:   economy,
		summaries: summaries,
		broadcast: broadcast,
		tools:     tools,
		logger:    log,
	}
}

// Load resolves the orchestrator row and builds its session. With a resume
// session id the orchestrator must already exist; the session transcript is
// reseeded from chat history. Without one the active orchestrator is reused
// or created.
func (s *Service) Load(ctx context.Context, resumeSessionID string) error {
	if resumeSessionID != "" {
		orch, err := s.store.GetOrchestratorBySession(ctx, resumeSessionID)
		if err != nil {
			if errors.Is(err, store.ErrOrchestratorNotFound) {
				return fmt.Errorf("Session ID %q not found in database", resumeSessionID)
			}
			return err
		}
		s.orch = orch
		s.startedWithSession = true
	} else {
		orch, err := s.store.GetOrCreateOrchestrator(ctx, s.cfg.SystemPrompt, s.cfg.WorkingDir)
		if err != nil {
			return err
		}
		s.orch = orch
	}

	sessionCfg := llm.SessionConfig{
		Model:            s.cfg.DefaultModel,
		SystemPrompt:     s.orch.SystemPrompt,
		WorkingDir:       s.orch.WorkingDir,
		MaxContextTokens: s.cfg.MaxContextTokens,
		MaxTurns:         s.cfg.MaxTurns,
		Tools:            s.tools,
	}

	if s.startedWithSession && s.orch.SessionID != nil {
		transcript, err := s.transcriptFromHistory(ctx)
		if err != nil {
			return err
		}
		s.session = llm.ResumeSession(s.client, sessionCfg, *s.orch.SessionID, llm.BuildTranscript(s.trimForResume(transcript)), s.logger)
	} else {
		s.session = llm.NewSession(s.client, sessionCfg, s.logger)
	}

	s.logger.WithOrchestratorID(s.orch.ID).Info("Orchestrator loaded",
		zap.Bool("resumed", s.startedWithSession))
	return nil
}

// Orchestrator returns the loaded orchestrator row.
func (s *Service) Orchestrator() *store.Orchestrator { return s.orch }

// Economy returns the token economy control plane.
func (s *Service) Economy() *tokenecon.Economy { return s.economy }

// Executing reports whether a turn is in flight.
func (s *Service) Executing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnActive
}

// WorkingDir returns the orchestrator's working directory.
func (s *Service) WorkingDir() string {
	if s.orch != nil && s.orch.WorkingDir != "" {
		return s.orch.WorkingDir
	}
	return s.cfg.WorkingDir
}

// OnSubagentStop records a worker command completion against the
// orchestrator's system log.
func (s *Service) OnSubagentStop(agentID string) {
	meta := map[string]any{
		"orchestrator_agent_id": s.orch.ID,
		"subagent_id":           agentID,
	}
	msg := fmt.Sprintf("Subagent %s completed", agentID)
	if _, err := s.store.InsertSystemLog(context.Background(), store.LevelInfo, msg, nil, meta); err != nil {
		s.logger.WithError(err).Warn("subagent stop log failed")
	}
	s.broadcast.SystemLog(store.LevelInfo, msg, meta)
}

type turnState struct {
	model        string
	taskKind     string
	cacheKey     string
	estimate     int
	responseText strings.Builder
	toolsUsed    []string
	result       *llm.StreamMessage
	persistErr   error
}

// ProcessUserMessage runs one full three-phase turn. A turn already in
// flight is interrupted best-effort before this one starts.
func (s *Service) ProcessUserMessage(ctx context.Context, message string) error {
	if s.orch == nil {
		return errors.New("orchestrator not loaded")
	}
	ownerID := s.orch.ID
	turn := &turnState{}

	// --- Pre-execution ---

	if s.economyOn() {
		s.economy.Cache.ClearPattern(historyCachePrefix(ownerID))
		turn.cacheKey = s.responseCacheKey(ctx, message)
	}

	msgID, err := s.store.InsertChatMessage(ctx, ownerID, store.SenderUser, store.SenderOrchestrator, message, nil, nil)
	if err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	// The client renders its own message optimistically; re-broadcasting it
	// here would double it on screen.
	s.scheduleChatSummary(msgID, message)

	s.interruptActiveTurn(ctx)

	turn.model, turn.taskKind = s.pickModel(message)
	s.session.SetModel(turn.model)

	// --- Execution ---

	s.broadcast.ChatTyping(ownerID, true)
	defer s.broadcast.ChatTyping(ownerID, false)

	if s.economyOn() {
		if cached, ok := s.economy.Cache.Get(turn.cacheKey); ok {
			return s.serveCachedResponse(ctx, ownerID, cached)
		}
		turn.estimate = s.estimateTurnTokens(ctx, message)
		if ok := s.gateBudget(ctx, ownerID, turn); !ok {
			return nil
		}
		if _, err := s.economy.RateLimiter.CheckAndWait(ctx, turn.estimate); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	tctx, span := tracing.TraceTurn(ctx, ownerID, turn.model)
	defer span.End()

	if err := s.store.UpdateOrchestratorStatus(tctx, ownerID, store.StatusExecuting); err != nil {
		s.logger.WithError(err).Warn("status update failed")
	}

	s.mu.Lock()
	s.turnActive = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnActive = false
		s.mu.Unlock()
	}()

	ch, err := s.session.Query(tctx, message)
	if err != nil {
		tracing.RecordResult(span, err)
		s.failTurn(tctx, ownerID, err)
		return err
	}

	s.pumpTurn(tctx, ownerID, ch, turn)
	s.broadcast.ChatStream("", true)

	// --- Post-execution ---

	err = s.settleTurn(tctx, ownerID, turn)
	tracing.RecordResult(span, err)
	return err
}

func (s *Service) economyOn() bool {
	return s.economy != nil && s.economy.Enabled
}

// interruptActiveTurn preempts an in-flight turn. Best-effort: the new turn
// proceeds regardless, serialized behind the old one by the session.
func (s *Service) interruptActiveTurn(ctx context.Context) {
	if !s.session.Executing() {
		return
	}
	msg := "Previous orchestrator turn interrupted by new user message"
	meta := map[string]any{"orchestrator_agent_id": s.orch.ID}
	if _, err := s.store.InsertSystemLog(ctx, store.LevelWarning, msg, nil, meta); err != nil {
		s.logger.WithError(err).Warn("interrupt log failed")
	}
	s.broadcast.SystemLog(store.LevelWarning, msg, meta)
	s.session.Interrupt()
}

// pickModel selects this turn's model tier from the message text.
func (s *Service) pickModel(message string) (model, taskKind string) {
	if !s.economyOn() {
		return s.cfg.DefaultModel, "moderate"
	}
	model, tier := s.economy.Selector.Select(message)
	switch tier {
	case tokenecon.TierCheap:
		taskKind = "simple"
	case tokenecon.TierPremium:
		taskKind = "complex"
	default:
		taskKind = "moderate"
	}
	if model == "" {
		model = s.cfg.DefaultModel
	}
	return model, taskKind
}

// gateBudget enforces the hard session budget. A denial is surfaced to the
// user as a chat message; warnings go to the system log.
func (s *Service) gateBudget(ctx context.Context, ownerID string, turn *turnState) bool {
	allowed, warning := s.economy.Budget.Check(turn.estimate, turn.taskKind)
	if allowed {
		if warning != "" {
			s.broadcast.SystemLog(store.LevelWarning, warning, nil)
		}
		return true
	}

	meta := map[string]any{"type": "budget_denied"}
	msgID, err := s.store.InsertChatMessage(ctx, ownerID, store.SenderOrchestrator, store.SenderUser, warning, nil, meta)
	if err != nil {
		s.logger.WithError(err).Warn("budget denial persist failed")
	}
	s.broadcast.OrchestratorChat(chatPayload(msgID, ownerID, warning, meta))
	s.logger.WithOrchestratorID(ownerID).Warn(warning)
	return false
}

// serveCachedResponse short-circuits the turn with a cached reply.
func (s *Service) serveCachedResponse(ctx context.Context, ownerID string, cached map[string]any) error {
	text, _ := cached["message"].(string)
	meta := map[string]any{"type": "text_chunk", "cached": true}
	msgID, err := s.store.InsertChatMessage(ctx, ownerID, store.SenderOrchestrator, store.SenderUser, text, nil, meta)
	if err != nil {
		return fmt.Errorf("persist cached response: %w", err)
	}
	s.broadcast.OrchestratorChat(chatPayload(msgID, ownerID, text, meta))
	s.broadcast.ChatStream("", true)
	s.logger.WithOrchestratorID(ownerID).Debug("served cached response")
	return nil
}

// pumpTurn consumes the session stream, persisting and broadcasting each
// block. Persistence failures stop processing but the channel is drained.
func (s *Service) pumpTurn(ctx context.Context, ownerID string, ch <-chan llm.StreamMessage, turn *turnState) {
	for msg := range ch {
		if turn.persistErr != nil && msg.Type != llm.MessageTypeResult {
			continue
		}
		switch msg.Type {
		case llm.MessageTypeSystem:
			s.captureSystemInfo(ctx, ownerID, msg)
		case llm.MessageTypeAssistant:
			for _, block := range msg.Blocks {
				if err := s.handleBlock(ctx, ownerID, block, turn); err != nil {
					turn.persistErr = err
					break
				}
			}
		case llm.MessageTypeResult:
			result := msg
			turn.result = &result
		}
	}
}

// captureSystemInfo merges the SDK's init metadata into the orchestrator
// row, once per process.
func (s *Service) captureSystemInfo(ctx context.Context, ownerID string, msg llm.StreamMessage) {
	s.mu.Lock()
	captured := s.sysMsgCaptured
	s.sysMsgCaptured = true
	s.mu.Unlock()
	if captured {
		return
	}
	info := map[string]any{"subtype": msg.Subtype}
	for k, v := range msg.Data {
		info[k] = v
	}
	if err := s.store.MergeOrchestratorMetadata(ctx, ownerID, map[string]any{"system_message_info": info}); err != nil {
		s.logger.WithError(err).Warn("system message capture failed")
	}
}

func (s *Service) handleBlock(ctx context.Context, ownerID string, block llm.Block, turn *turnState) error {
	switch block.Type {
	case llm.BlockTypeText:
		turn.responseText.WriteString(block.Text)
		meta := map[string]any{"type": "text_chunk"}
		msgID, err := s.store.InsertChatMessage(ctx, ownerID, store.SenderOrchestrator, store.SenderUser, block.Text, nil, meta)
		if err != nil {
			return fmt.Errorf("persist text chunk: %w", err)
		}
		s.broadcast.OrchestratorChat(chatPayload(msgID, ownerID, block.Text, meta))
		s.scheduleChatSummary(msgID, block.Text)

	case llm.BlockTypeThinking:
		meta := map[string]any{
			"log_type":              "thinking_block",
			"orchestrator_agent_id": ownerID,
		}
		logID, err := s.store.InsertSystemLog(ctx, store.LevelInfo, block.Thinking, nil, meta)
		if err != nil {
			return fmt.Errorf("persist thinking block: %w", err)
		}
		s.broadcast.ThinkingBlock(map[string]any{
			"id":                    logID,
			"orchestrator_agent_id": ownerID,
			"content":               block.Thinking,
		})

	case llm.BlockTypeToolUse:
		meta := map[string]any{
			"log_type":              "tool_use_block",
			"orchestrator_agent_id": ownerID,
			"tool_name":             block.Name,
			"tool_input":            block.Input,
			"tool_use_id":           block.ID,
		}
		logID, err := s.store.InsertSystemLog(ctx, store.LevelInfo, "Tool use: "+block.Name, nil, meta)
		if err != nil {
			return fmt.Errorf("persist tool use block: %w", err)
		}
		s.broadcast.ToolUseBlock(map[string]any{
			"id":                    logID,
			"orchestrator_agent_id": ownerID,
			"tool_name":             block.Name,
			"tool_input":            block.Input,
			"tool_use_id":           block.ID,
		})
		turn.toolsUsed = append(turn.toolsUsed, block.Name)
	}
	return nil
}

// settleTurn reconciles session, costs and cache after the stream ends.
func (s *Service) settleTurn(ctx context.Context, ownerID string, turn *turnState) error {
	if turn.persistErr != nil {
		s.failTurn(ctx, ownerID, turn.persistErr)
		return turn.persistErr
	}
	if turn.result == nil {
		err := errors.New("turn ended without a result message")
		s.failTurn(ctx, ownerID, err)
		return err
	}
	res := turn.result
	if res.IsError {
		err := errors.New(res.Error)
		s.failTurn(ctx, ownerID, err)
		return err
	}

	// Session token: monotonic acquire, only when not resumed.
	if !s.startedWithSession && s.orch.SessionID == nil && res.SessionID != "" {
		updated, err := s.store.UpdateOrchestratorSession(ctx, ownerID, res.SessionID)
		switch {
		case err == nil:
			s.orch = updated
		case errors.Is(err, store.ErrSessionAlreadySet):
			// Another turn won the race; keep the stored token.
		default:
			s.logger.WithError(err).Warn("session persist failed")
		}
	}

	cost := res.TotalCostUSD
	if cost == 0 {
		cost = tokenecon.CalculateCost(res.Usage.InputTokens, res.Usage.OutputTokens, turn.model)
	}

	if s.economyOn() {
		s.economy.RateLimiter.RecordUsage(int(res.Usage.TotalTokens()))
		s.economy.Costs.RecordUsage(ownerID, res.Usage.InputTokens, res.Usage.OutputTokens, turn.model)
		s.economy.Budget.AddUsage(int(res.Usage.TotalTokens()), turn.taskKind)
	}

	// Cost accounting is derivable downstream, so a failed write logs and
	// continues rather than failing the turn.
	if res.Usage.TotalTokens() > 0 {
		cu, err := s.store.UpdateOrchestratorCosts(ctx, ownerID, res.Usage.InputTokens, res.Usage.OutputTokens, cost)
		if err != nil {
			s.logger.WithError(err).WithOrchestratorID(ownerID).Warn("cost update failed")
		} else {
			s.broadcast.OrchestratorUpdated(ownerID, cu.InputTokens, cu.OutputTokens, cu.TotalCost, cu.UpdatedAt)
		}
	}

	if s.economyOn() && turn.cacheKey != "" && turn.responseText.Len() > 0 {
		s.economy.Cache.Set(turn.cacheKey, map[string]any{
			"message":    turn.responseText.String(),
			"tools_used": turn.toolsUsed,
			"usage": map[string]any{
				"input_tokens":  res.Usage.InputTokens,
				"output_tokens": res.Usage.OutputTokens,
			},
		})
	}

	if err := s.store.UpdateOrchestratorStatus(ctx, ownerID, store.StatusIdle); err != nil {
		s.logger.WithError(err).Warn("status update failed")
	}
	return nil
}

// failTurn surfaces a turn failure and parks the orchestrator in blocked.
func (s *Service) failTurn(ctx context.Context, ownerID string, err error) {
	s.logger.WithError(err).WithOrchestratorID(ownerID).Error("Turn failed")
	meta := map[string]any{"orchestrator_agent_id": ownerID}
	if _, logErr := s.store.InsertSystemLog(ctx, store.LevelError, err.Error(), nil, meta); logErr != nil {
		s.logger.WithError(logErr).Warn("error log persist failed")
	}
	s.broadcast.Error(err.Error())
	if statusErr := s.store.UpdateOrchestratorStatus(ctx, ownerID, store.StatusBlocked); statusErr != nil {
		s.logger.WithError(statusErr).Warn("status update failed")
	}
}

// Reset clears the response cache and rate limiter window and reloads the
// orchestrator row. The persisted session is retained; no new orchestrator
// is created.
func (s *Service) Reset(ctx context.Context) error {
	if s.economy != nil {
		s.economy.Cache.Clear()
		s.economy.RateLimiter.Reset()
	}
	orch, err := s.store.GetOrchestratorByID(ctx, s.orch.ID)
	if err != nil {
		return err
	}
	s.orch = orch
	s.logger.WithOrchestratorID(orch.ID).Info("Orchestrator context reset")
	return nil
}

// responseCacheKey derives the cache key from the user text plus the
// serialized trailing context.
func (s *Service) responseCacheKey(ctx context.Context, message string) string {
	history, err := s.store.ChatHistory(ctx, s.orch.ID, cacheContextDepth, 0, nil)
	if err != nil {
		s.logger.WithError(err).Debug("cache context load failed")
		return tokenecon.CacheKey(message, "")
	}
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.SenderType)
		b.WriteString(":")
		b.WriteString(m.Message)
		b.WriteString("\n")
	}
	return tokenecon.CacheKey(message, b.String())
}

// estimateTurnTokens approximates the context plus message token load of
// the coming request.
func (s *Service) estimateTurnTokens(ctx context.Context, message string) int {
	total := tokenecon.EstimateTokens(message)
	history, err := s.store.ChatHistory(ctx, s.orch.ID, rateEstimateDepth, 0, nil)
	if err != nil {
		return total
	}
	window := make([]tokenecon.Message, len(history))
	for i, m := range history {
		window[i] = tokenecon.Message{Sender: m.SenderType, Text: m.Message}
	}
	return total + s.economy.Trimmer.Analyze(window).TotalTokens
}

// trimForResume bounds a resume transcript with the economy trimmer so a
// long-lived orchestrator does not reload its entire chat history into the
// model context.
func (s *Service) trimForResume(entries []llm.TranscriptEntry) []llm.TranscriptEntry {
	if !s.economyOn() {
		return entries
	}
	window := make([]tokenecon.Message, len(entries))
	for i, e := range entries {
		sender := "user"
		if e.Role == llm.RoleAssistant {
			sender = "assistant"
		}
		window[i] = tokenecon.Message{Sender: sender, Text: e.Text}
	}
	trimmed := s.economy.Trimmer.Trim(window)
	if len(trimmed) == len(entries) {
		return entries
	}
	s.logger.Info("Resume transcript trimmed",
		zap.Int("messages_before", len(entries)),
		zap.Int("messages_after", len(trimmed)))
	out := make([]llm.TranscriptEntry, len(trimmed))
	for i, m := range trimmed {
		role := llm.RoleUser
		if m.Sender == "assistant" {
			role = llm.RoleAssistant
		}
		out[i] = llm.TranscriptEntry{Role: role, Text: m.Text}
	}
	return out
}

func (s *Service) scheduleChatSummary(msgID, text string) {
	if s.summaries == nil {
		return
	}
	s.summaries.Go(summarizer.Event{Type: summarizer.EventText, Content: text}, func(summary string) {
		if summary == "" {
			return
		}
		if err := s.store.UpdateChatSummary(context.Background(), msgID, summary); err != nil {
			s.logger.WithError(err).Debug("chat summary update failed")
		}
	})
}

// transcriptFromHistory rebuilds the LLM transcript from persisted chat so
// a resumed session keeps its conversational memory.
func (s *Service) transcriptFromHistory(ctx context.Context) ([]llm.TranscriptEntry, error) {
	history, err := s.store.ChatHistory(ctx, s.orch.ID, s.cfg.HistoryLimit, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("load history for resume: %w", err)
	}
	entries := make([]llm.TranscriptEntry, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		if m.SenderType == store.SenderOrchestrator {
			role = llm.RoleAssistant
		}
		if strings.TrimSpace(m.Message) == "" {
			continue
		}
		entries = append(entries, llm.TranscriptEntry{Role: role, Text: m.Message})
	}
	return entries, nil
}

func historyCachePrefix(ownerID string) string {
	return "chat_history:" + ownerID + ":"
}

func chatPayload(id, ownerID, text string, metadata map[string]any) map[string]any {
	return map[string]any{
		"id":                    id,
		"orchestrator_agent_id": ownerID,
		"sender_type":           store.SenderOrchestrator,
		"receiver_type":         store.SenderUser,
		"message":               text,
		"metadata":              metadata,
		"created_at":            time.Now().UTC().Format(time.RFC3339Nano),
	}
}
