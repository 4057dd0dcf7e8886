package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/conductor/internal/common/config"
	"github.com/conductor/conductor/internal/common/logger"
	"github.com/conductor/conductor/internal/db"
	"github.com/conductor/conductor/internal/llm"
	"github.com/conductor/conductor/internal/store"
	"github.com/conductor/conductor/internal/tokenecon"
)

// scriptDecoder feeds a fixed sequence of SSE events to the stream.
type scriptDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *scriptDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *scriptDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *scriptDecoder) Close() error { return nil }
func (d *scriptDecoder) Err() error   { return d.err }

// fakeMessages plays back scripted streams in order and counts requests.
type fakeMessages struct {
	mu      sync.Mutex
	scripts [][]ssestream.Event
	calls   int
}

func (f *fakeMessages) New(context.Context, sdk.MessageNewParams, ...option.RequestOption) (*sdk.Message, error) {
	return nil, errors.New("unexpected non-streaming call")
}

func (f *fakeMessages) NewStreaming(_ context.Context, _ sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.scripts) == 0 {
		return ssestream.NewStream[sdk.MessageStreamEventUnion](&scriptDecoder{err: errors.New("no scripted response")}, nil)
	}
	next := f.scripts[0]
	f.scripts = f.scripts[1:]
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&scriptDecoder{events: next}, nil)
}

func (f *fakeMessages) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sseEvents(raw ...string) []ssestream.Event {
	events := make([]ssestream.Event, 0, len(raw))
	for _, r := range raw {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(r), &head); err != nil {
			panic(err)
		}
		events = append(events, ssestream.Event{Type: head.Type, Data: []byte(r)})
	}
	return events
}

func textTurn(text string) []ssestream.Event {
	return sseEvents(
		`{"type":"message_start","message":{"id":"msg_text","type":"message","role":"assistant","model":"test-model","content":[],"stop_reason":null,"usage":{"input_tokens":10,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"`+text+`"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	)
}

// blocksTurn yields a thinking block, a text block and a tool_use block in
// one assistant message, ending the turn without a tool loop.
func blocksTurn() []ssestream.Event {
	return sseEvents(
		`{"type":"message_start","message":{"id":"msg_blocks","type":"message","role":"assistant","model":"test-model","content":[],"stop_reason":null,"usage":{"input_tokens":20,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"weighing options"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Dispatching."}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"tu_1","name":"list_agents","input":{}}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{}"}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":9}}`,
		`{"type":"message_stop"}`,
	)
}

// recorderBroadcast captures fan-out calls for assertions.
type recorderBroadcast struct {
	mu         sync.Mutex
	chats      []map[string]any
	streamDone int
	typing     []bool
	thinking   []map[string]any
	toolUses   []map[string]any
	updated    int
	systemLogs []string
	errs       []string
}

func (r *recorderBroadcast) OrchestratorChat(message map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, message)
}

func (r *recorderBroadcast) ChatStream(_ string, isComplete bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isComplete {
		r.streamDone++
	}
}

func (r *recorderBroadcast) ChatTyping(_ string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing = append(r.typing, isTyping)
}

func (r *recorderBroadcast) ThinkingBlock(data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thinking = append(r.thinking, data)
}

func (r *recorderBroadcast) ToolUseBlock(data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolUses = append(r.toolUses, data)
}

func (r *recorderBroadcast) OrchestratorUpdated(string, int64, int64, float64, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated++
}

func (r *recorderBroadcast) SystemLog(_, message string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systemLogs = append(r.systemLogs, message)
}

func (r *recorderBroadcast) Error(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, message)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	raw, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	conn := sqlx.NewDb(raw, "sqlite3")
	s := store.New(db.NewPool(conn, conn))
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type serviceFixture struct {
	svc   *Service
	store *store.Store
	cast  *recorderBroadcast
	fake  *fakeMessages
	owner string
}

func defaultEconomyConfig(enabled bool) config.TokenEconomyConfig {
	return config.TokenEconomyConfig{
		Enabled:          enabled,
		MaxContextTokens: 200000,
		CacheMaxEntries:  128,
		CacheTTL:         300,
		SessionBudget:    50000,
	}
}

func newServiceFixture(t *testing.T, ecoCfg config.TokenEconomyConfig, scripts ...[]ssestream.Event) *serviceFixture {
	t.Helper()
	st := newTestStore(t)
	log := testLogger(t)

	fake := &fakeMessages{scripts: scripts}
	client := llm.NewClientWithMessages(fake, 1024, log)
	cast := &recorderBroadcast{}

	economy := tokenecon.New(ecoCfg, tokenecon.ModelTiers{
		Cheap:   "fast-model",
		Mid:     "test-model",
		Premium: "premium-model",
	}, log, nil)

	svc := New(Config{
		SystemPrompt: "orchestrate the fleet",
		WorkingDir:   t.TempDir(),
		HistoryLimit: 50,
		DefaultModel: "test-model",
		FastModel:    "fast-model",
		PremiumModel: "premium-model",
	}, st, client, economy, nil, cast, nil, log)

	require.NoError(t, svc.Load(context.Background(), ""))
	return &serviceFixture{svc: svc, store: st, cast: cast, fake: fake, owner: svc.Orchestrator().ID}
}

func TestProcessUserMessageTextTurn(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(true), textTurn("All agents accounted for."))
	ctx := context.Background()

	require.NoError(t, fx.svc.ProcessUserMessage(ctx, "status report please"))

	history, err := fx.store.ChatHistory(ctx, fx.owner, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.SenderUser, history[0].SenderType)
	assert.Equal(t, "status report please", history[0].Message)
	assert.Equal(t, store.SenderOrchestrator, history[1].SenderType)
	assert.Equal(t, "All agents accounted for.", history[1].Message)
	assert.Equal(t, "text_chunk", history[1].Metadata["type"])

	orch, err := fx.store.GetOrchestratorByID(ctx, fx.owner)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIdle, orch.Status)
	require.NotNil(t, orch.SessionID)
	assert.Equal(t, int64(10), orch.InputTokens)
	assert.Equal(t, int64(5), orch.OutputTokens)
	assert.Greater(t, orch.TotalCost, 0.0)

	require.Len(t, fx.cast.chats, 1)
	assert.Equal(t, "All agents accounted for.", fx.cast.chats[0]["message"])
	assert.GreaterOrEqual(t, fx.cast.streamDone, 1)
	assert.Equal(t, []bool{true, false}, fx.cast.typing)
	assert.Equal(t, 1, fx.cast.updated)
	assert.False(t, fx.svc.Executing())
}

func TestProcessUserMessageServesCachedResponse(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(true))
	ctx := context.Background()
	msg := "what did we decide?"

	// The cache key for a fresh conversation has no trailing context.
	fx.svc.Economy().Cache.Set(tokenecon.CacheKey(msg, ""), map[string]any{
		"message": "We decided to ship.",
	})

	require.NoError(t, fx.svc.ProcessUserMessage(ctx, msg))
	assert.Equal(t, 0, fx.fake.callCount())

	history, err := fx.store.ChatHistory(ctx, fx.owner, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "We decided to ship.", history[1].Message)
	assert.Equal(t, true, history[1].Metadata["cached"])

	require.Len(t, fx.cast.chats, 1)
	assert.GreaterOrEqual(t, fx.cast.streamDone, 1)
}

func TestProcessUserMessageBudgetDenied(t *testing.T) {
	cfg := defaultEconomyConfig(true)
	cfg.SessionBudget = 1
	fx := newServiceFixture(t, cfg)
	ctx := context.Background()

	require.NoError(t, fx.svc.ProcessUserMessage(ctx, "please summarize everything"))
	assert.Equal(t, 0, fx.fake.callCount())

	history, err := fx.store.ChatHistory(ctx, fx.owner, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "budget_denied", history[1].Metadata["type"])
	assert.Contains(t, history[1].Message, "BUDGET EXCEEDED")

	require.Len(t, fx.cast.chats, 1)
	assert.Contains(t, fx.cast.chats[0]["message"], "BUDGET EXCEEDED")
}

func TestProcessUserMessageTurnFailure(t *testing.T) {
	// No scripted response: the stream errors and the turn must fail.
	fx := newServiceFixture(t, defaultEconomyConfig(false))
	ctx := context.Background()

	err := fx.svc.ProcessUserMessage(ctx, "do something")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scripted response")

	orch, getErr := fx.store.GetOrchestratorByID(ctx, fx.owner)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusBlocked, orch.Status)
	assert.Nil(t, orch.SessionID)

	require.Len(t, fx.cast.errs, 1)
	assert.Contains(t, fx.cast.errs[0], "no scripted response")

	logs, logErr := fx.store.ListSystemLogs(ctx, 10, 0, "", store.LevelError)
	require.NoError(t, logErr)
	require.Len(t, logs, 1)
}

func TestTurnPersistsThinkingAndToolBlocks(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(false), blocksTurn())
	ctx := context.Background()

	require.NoError(t, fx.svc.ProcessUserMessage(ctx, "check the fleet"))

	blocks, err := fx.store.ListBlockSystemLogs(ctx, fx.owner, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	byType := map[string]*store.SystemLog{}
	for _, b := range blocks {
		logType, _ := b.Metadata["log_type"].(string)
		byType[logType] = b
	}
	require.Contains(t, byType, "thinking_block")
	require.Contains(t, byType, "tool_use_block")
	assert.Equal(t, "weighing options", byType["thinking_block"].Message)
	assert.Equal(t, "Tool use: list_agents", byType["tool_use_block"].Message)
	assert.Equal(t, "list_agents", byType["tool_use_block"].Metadata["tool_name"])

	require.Len(t, fx.cast.thinking, 1)
	assert.Equal(t, "weighing options", fx.cast.thinking[0]["content"])
	require.Len(t, fx.cast.toolUses, 1)
	assert.Equal(t, "tu_1", fx.cast.toolUses[0]["tool_use_id"])
}

func TestLoadChatHistoryMergesBlocks(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(false), blocksTurn())
	ctx := context.Background()

	require.NoError(t, fx.svc.ProcessUserMessage(ctx, "check the fleet"))

	messages, turnCount, err := fx.svc.LoadChatHistory(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, turnCount)

	// user message + text chunk + thinking block + tool use block
	require.Len(t, messages, 4)
	kinds := make([]string, 0, len(messages))
	for _, m := range messages {
		kind, _ := m["type"].(string)
		kinds = append(kinds, kind)
	}
	assert.Contains(t, kinds, "chat")
	assert.Contains(t, kinds, "thinking_block")
	assert.Contains(t, kinds, "tool_use_block")
}

func TestResetClearsCacheAndRetainsSession(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(true), textTurn("Done."))
	ctx := context.Background()

	require.NoError(t, fx.svc.ProcessUserMessage(ctx, "first turn"))
	before := fx.svc.Orchestrator().SessionID
	require.NotNil(t, before)

	fx.svc.Economy().Cache.Set("scratch", map[string]any{"message": "x"})
	require.NoError(t, fx.svc.Reset(ctx))

	_, ok := fx.svc.Economy().Cache.Get("scratch")
	assert.False(t, ok)
	require.NotNil(t, fx.svc.Orchestrator().SessionID)
	assert.Equal(t, *before, *fx.svc.Orchestrator().SessionID)
}

func TestLoadRejectsUnknownResumeSession(t *testing.T) {
	st := newTestStore(t)
	log := testLogger(t)
	client := llm.NewClientWithMessages(&fakeMessages{}, 1024, log)

	svc := New(Config{SystemPrompt: "p", WorkingDir: t.TempDir(), DefaultModel: "test-model"},
		st, client, nil, nil, &recorderBroadcast{}, nil, log)

	err := svc.Load(context.Background(), "missing-session")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in database")
}

func TestOnSubagentStopLogsCompletion(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(false))
	ctx := context.Background()

	fx.svc.OnSubagentStop("agent-123")

	logs, err := fx.store.ListSystemLogs(ctx, 10, 0, "agent-123", "")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "Subagent agent-123 completed")
	require.Len(t, fx.cast.systemLogs, 1)
}

func TestResumeTranscriptTrimmed(t *testing.T) {
	cfg := defaultEconomyConfig(true)
	cfg.MaxContextMsgs = 2
	fx := newServiceFixture(t, cfg)

	entries := []llm.TranscriptEntry{
		{Role: llm.RoleUser, Text: "one"},
		{Role: llm.RoleAssistant, Text: "ack one"},
		{Role: llm.RoleUser, Text: "two"},
		{Role: llm.RoleAssistant, Text: "ack two"},
	}

	trimmed := fx.svc.trimForResume(entries)
	require.Len(t, trimmed, 2)
	assert.Equal(t, llm.RoleUser, trimmed[0].Role)
	assert.Equal(t, "two", trimmed[0].Text)
	assert.Equal(t, llm.RoleAssistant, trimmed[1].Role)
	assert.Equal(t, "ack two", trimmed[1].Text)

	// With the economy off the transcript passes through untouched.
	off := newServiceFixture(t, defaultEconomyConfig(false))
	assert.Equal(t, entries, off.svc.trimForResume(entries))
}
