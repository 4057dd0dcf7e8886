package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor/conductor/internal/common/logger"
)

// DefaultMaxTurns caps the tool loop within one Query.
const DefaultMaxTurns = 25

// StopReasonInterrupted is reported when Interrupt cancels an in-flight turn.
const StopReasonInterrupted = "interrupted"

// SessionConfig describes one conversation.
type SessionConfig struct {
	Model        string
	SystemPrompt string
	WorkingDir   string

	// MaxContextTokens triggers transcript trimming (and the PreCompact
	// hook) when the estimated transcript size exceeds it. Zero disables
	// trimming.
	MaxContextTokens int

	// MaxTurns caps assistant/tool round trips per Query. Zero means
	// DefaultMaxTurns.
	MaxTurns int

	Tools []ToolDefinition
	Hooks Hooks
}

// Session owns one conversation transcript and runs at most one turn at a
// time. A second Query while a turn is in flight blocks until the first
// finishes; callers that want preemption call Interrupt first.
type Session struct {
	client *Client
	cfg    SessionConfig
	logger *logger.Logger

	// turnMu is held for the duration of one turn.
	turnMu sync.Mutex

	mu         sync.Mutex
	id         string
	transcript []sdk.MessageParam
	usage      Usage
	executing  bool
	cancel     context.CancelFunc
}

// NewSession creates a fresh session. The session id is minted on the first
// Query.
func NewSession(client *Client, cfg SessionConfig, log *logger.Logger) *Session {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if log == nil {
		log = logger.Default()
	}
	return &Session{client: client, cfg: cfg, logger: log}
}

// ResumeSession creates a session with a known id and a seeded transcript,
// typically rebuilt from persisted chat history.
func ResumeSession(client *Client, cfg SessionConfig, sessionID string, transcript []sdk.MessageParam, log *logger.Logger) *Session {
	s := NewSession(client, cfg, log)
	s.id = sessionID
	s.transcript = append([]sdk.MessageParam(nil), transcript...)
	return s
}

// BuildTranscript converts plain text entries into SDK message params.
func BuildTranscript(entries []TranscriptEntry) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(entries))
	for _, e := range entries {
		if e.Role == RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(e.Text)))
			continue
		}
		out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(e.Text)))
	}
	return out
}

// ID returns the session id, empty before the first Query.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Usage returns the session's cumulative token usage.
func (s *Session) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Executing reports whether a turn is currently in flight.
func (s *Session) Executing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executing
}

// Model returns the model this session queries.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Model
}

// SetModel switches the model used by subsequent turns. The transcript is
// unaffected.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	s.cfg.Model = model
	s.mu.Unlock()
}

// SetHooks replaces the hook set fired by subsequent turns. Callers reusing
// a live session across tasks rebind per-task hooks before the next Query.
func (s *Session) SetHooks(h Hooks) {
	s.mu.Lock()
	s.cfg.Hooks = h
	s.mu.Unlock()
}

func (s *Session) hooks() Hooks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Hooks
}

// Interrupt cancels the in-flight turn, if any. The turn's channel still
// drains normally: the Stop hook fires and a Result with stop reason
// "interrupted" is emitted before close.
func (s *Session) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Query appends the prompt to the transcript and runs one full agent turn.
// The returned channel yields a system message, zero or more assistant
// messages, and exactly one closing result; it is closed when the turn ends.
// Callers must drain it.
func (s *Session) Query(ctx context.Context, prompt string) (<-chan StreamMessage, error) {
	if hook := s.hooks().UserPromptSubmit; hook != nil {
		if err := hook(ctx, prompt); err != nil {
			return nil, fmt.Errorf("user prompt hook: %w", err)
		}
	}

	// Wait out any prior turn. Interrupted turns release this quickly.
	s.turnMu.Lock()

	cctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.id == "" {
		s.id = uuid.New().String()
	}
	s.transcript = append(s.transcript, sdk.NewUserMessage(sdk.NewTextBlock(prompt)))
	s.executing = true
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan StreamMessage, 32)
	go s.run(cctx, cancel, out)
	return out, nil
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, out chan<- StreamMessage) {
	start := time.Now()
	defer close(out)
	defer s.turnMu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.executing = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	s.emitInit(out)

	var (
		turnUsage  Usage
		numTurns   int
		stopReason string
		runErr     error
	)

	for {
		s.compactIfNeeded(ctx)

		params := s.client.buildParams(s.Model(), s.cfg.SystemPrompt, s.snapshotTranscript(), s.cfg.Tools)
		msg, err := s.streamTurn(ctx, params)
		if err != nil {
			runErr = err
			break
		}
		numTurns++
		turnUsage.Add(usageFrom(msg))

		blocks := translateBlocks(msg)
		if len(blocks) > 0 {
			out <- StreamMessage{Type: MessageTypeAssistant, Blocks: blocks}
		}

		s.mu.Lock()
		s.transcript = append(s.transcript, msg.ToParam())
		s.mu.Unlock()

		stopReason = string(msg.StopReason)
		if stopReason != "tool_use" {
			break
		}
		results, err := s.dispatchTools(ctx, blocks)
		if err != nil {
			runErr = err
			break
		}
		s.appendToolResults(results)
		if numTurns >= s.cfg.MaxTurns {
			stopReason = "max_turns"
			break
		}
	}

	s.mu.Lock()
	s.usage.Add(turnUsage)
	sessionID := s.id
	s.mu.Unlock()

	durationMS := time.Since(start).Milliseconds()

	result := StreamMessage{
		Type:       MessageTypeResult,
		SessionID:  sessionID,
		StopReason: stopReason,
		NumTurns:   numTurns,
		DurationMS: durationMS,
		Usage:      turnUsage,
	}
	reason := stopReason
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			reason = StopReasonInterrupted
			result.StopReason = StopReasonInterrupted
		} else {
			reason = "error"
			result.IsError = true
			result.Error = runErr.Error()
			s.logger.Error("Turn failed", zap.String("session_id", sessionID), zap.Error(runErr))
		}
	}

	if hook := s.hooks().Stop; hook != nil {
		if err := hook(context.WithoutCancel(ctx), reason, numTurns, durationMS); err != nil {
			s.logger.Warn("Stop hook failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	out <- result
}

func (s *Session) emitInit(out chan<- StreamMessage) {
	toolNames := make([]string, 0, len(s.cfg.Tools))
	for _, def := range s.cfg.Tools {
		toolNames = append(toolNames, def.Name)
	}
	out <- StreamMessage{
		Type:    MessageTypeSystem,
		Subtype: "init",
		Data: map[string]any{
			"session_id": s.ID(),
			"cwd":        s.cfg.WorkingDir,
			"model":      s.Model(),
			"tools":      toolNames,
		},
	}
}

// streamTurn consumes one streamed assistant message, accumulating events
// into a complete sdk.Message.
func (s *Session) streamTurn(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error) {
	stream := s.client.messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var msg sdk.Message
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream event: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

type toolResult struct {
	toolUseID string
	content   string
	isError   bool
}

func (s *Session) dispatchTools(ctx context.Context, blocks []Block) ([]toolResult, error) {
	var results []toolResult
	hooks := s.hooks()
	for _, block := range blocks {
		if block.Type != BlockTypeToolUse {
			continue
		}
		if hook := hooks.PreTool; hook != nil {
			if err := hook(ctx, block.Name, block.Input, block.ID); err != nil {
				return nil, fmt.Errorf("pre-tool hook for %s: %w", block.Name, err)
			}
		}
		content, isError := s.invokeTool(ctx, block)
		if hook := hooks.PostTool; hook != nil {
			if err := hook(ctx, block.Name, block.Input, content, isError, block.ID); err != nil {
				return nil, fmt.Errorf("post-tool hook for %s: %w", block.Name, err)
			}
		}
		results = append(results, toolResult{toolUseID: block.ID, content: content, isError: isError})
	}
	return results, nil
}

func (s *Session) invokeTool(ctx context.Context, block Block) (string, bool) {
	var def *ToolDefinition
	for i := range s.cfg.Tools {
		if s.cfg.Tools[i].Name == block.Name {
			def = &s.cfg.Tools[i]
			break
		}
	}
	if def == nil || def.Handler == nil {
		return fmt.Sprintf("unknown tool: %s", block.Name), true
	}
	content, err := def.Handler(ctx, block.Input)
	if err != nil {
		return err.Error(), true
	}
	return content, false
}

func (s *Session) appendToolResults(results []toolResult) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, sdk.NewToolResultBlock(r.toolUseID, r.content, r.isError))
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, sdk.NewUserMessage(blocks...))
	s.mu.Unlock()
}

func (s *Session) snapshotTranscript() []sdk.MessageParam {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sdk.MessageParam(nil), s.transcript...)
}

// compactIfNeeded trims the oldest transcript messages when the estimated
// token count exceeds the configured threshold. The trim boundary always
// lands on a plain user message so tool_use/tool_result pairs stay intact.
func (s *Session) compactIfNeeded(ctx context.Context) {
	if s.cfg.MaxContextTokens <= 0 {
		return
	}

	s.mu.Lock()
	tokens := estimateTranscriptTokens(s.transcript)
	if tokens <= s.cfg.MaxContextTokens || len(s.transcript) <= 1 {
		s.mu.Unlock()
		return
	}

	target := s.cfg.MaxContextTokens / 2
	cut := 0
	for cut < len(s.transcript)-1 && estimateTranscriptTokens(s.transcript[cut:]) > target {
		cut++
	}
	for cut < len(s.transcript) && !startsUserText(s.transcript[cut]) {
		cut++
	}
	if cut == 0 || cut >= len(s.transcript) {
		s.mu.Unlock()
		return
	}
	s.transcript = append([]sdk.MessageParam(nil), s.transcript[cut:]...)
	s.mu.Unlock()

	s.logger.Info("Transcript compacted",
		zap.Int("tokens_before", tokens),
		zap.Int("messages_dropped", cut))

	if hook := s.hooks().PreCompact; hook != nil {
		if err := hook(ctx, tokens); err != nil {
			s.logger.Warn("Pre-compact hook failed", zap.Error(err))
		}
	}
}

func startsUserText(m sdk.MessageParam) bool {
	if m.Role != sdk.MessageParamRoleUser {
		return false
	}
	if len(m.Content) == 0 {
		return true
	}
	return m.Content[0].OfToolResult == nil
}

func estimateTranscriptTokens(transcript []sdk.MessageParam) int {
	total := 0
	for _, m := range transcript {
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		n := len(data) / 4
		if n < 1 {
			n = 1
		}
		total += n
	}
	return total
}
