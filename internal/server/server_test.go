package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/conductor/internal/agent"
	"github.com/conductor/conductor/internal/common/config"
	"github.com/conductor/conductor/internal/common/logger"
	"github.com/conductor/conductor/internal/db"
	"github.com/conductor/conductor/internal/events/bus"
	gateway "github.com/conductor/conductor/internal/gateway/websocket"
	"github.com/conductor/conductor/internal/llm"
	"github.com/conductor/conductor/internal/orchestrator"
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

type fakeMessages struct {
	mu      sync.Mutex
	scripts [][]ssestream.Event
}

func (f *fakeMessages) New(context.Context, sdk.MessageNewParams, ...option.RequestOption) (*sdk.Message, error) {
	return nil, errors.New("unexpected non-streaming call")
}

func (f *fakeMessages) NewStreaming(_ context.Context, _ sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scripts) == 0 {
		return ssestream.NewStream[sdk.MessageStreamEventUnion](&scriptDecoder{err: errors.New("no scripted response")}, nil)
	}
	next := f.scripts[0]
	f.scripts = f.scripts[1:]
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&scriptDecoder{events: next}, nil)
}

func textTurn(text string) []ssestream.Event {
	raw := []string{
		`{"type":"message_start","message":{"id":"msg_text","type":"message","role":"assistant","model":"test-model","content":[],"stop_reason":null,"usage":{"input_tokens":10,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"` + text + `"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	}
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

type serverFixture struct {
	server *Server
	store  *store.Store
	svc    *orchestrator.Service
	owner  string
}

func newServerFixture(t *testing.T, scripts ...[]ssestream.Event) *serverFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	raw, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	conn := sqlx.NewDb(raw, "sqlite3")
	st := store.New(db.NewPool(conn, conn))
	require.NoError(t, st.Migrate(context.Background()))

	hub := gateway.NewHub(30*time.Second, 60*time.Second, log)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	t.Cleanup(hubCancel)
	go hub.Run(hubCtx)

	broadcaster := gateway.NewBroadcaster(hub, bus.NewMemoryEventBus(log))
	client := llm.NewClientWithMessages(&fakeMessages{scripts: scripts}, 1024, log)

	economy := tokenecon.New(config.TokenEconomyConfig{
		Enabled:          true,
		MaxContextTokens: 200000,
		CacheMaxEntries:  128,
		CacheTTL:         300,
		SessionBudget:    50000,
	}, tokenecon.ModelTiers{Cheap: "fast-model", Mid: "test-model", Premium: "premium-model"}, log, broadcaster.CostAlert)

	workDir := t.TempDir()
	templates := agent.NewTemplateRegistry(workDir, log)
	manager := agent.NewManager(agent.Config{
		WorkingDir:   workDir,
		DefaultModel: "test-model",
		FastModel:    "fast-model",
		PremiumModel: "premium-model",
	}, st, client, broadcaster, nil, templates, log)

	svc := orchestrator.New(orchestrator.Config{
		SystemPrompt: "orchestrate",
		WorkingDir:   workDir,
		HistoryLimit: 50,
		DefaultModel: "test-model",
		FastModel:    "fast-model",
		PremiumModel: "premium-model",
	}, st, client, economy, nil, broadcaster, manager.ManagementTools(), log)
	require.NoError(t, svc.Load(context.Background(), ""))
	manager.SetOwner(svc.Orchestrator().ID)

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, svc, manager, st, hub, log)
	return &serverFixture{server: srv, store: st, svc: svc, owner: svc.Orchestrator().ID}
}

func (fx *serverFixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.server.Router().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	rec, body := fx.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "conductor", body["service"])
	assert.Equal(t, float64(0), body["websocket_connections"])
}

func TestGetHeaders(t *testing.T) {
	fx := newServerFixture(t)
	rec, body := fx.do(t, http.MethodGet, "/get_headers", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fx.svc.WorkingDir(), body["cwd"])
}

func TestGetOrchestrator(t *testing.T) {
	fx := newServerFixture(t)
	rec, body := fx.do(t, http.MethodGet, "/get_orchestrator", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	orch, ok := body["orchestrator"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, fx.owner, orch["id"])
	assert.Equal(t, fx.svc.WorkingDir(), body["working_directory"])

	tools, ok := body["management_tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, 8)
}

func TestLoadChatValidation(t *testing.T) {
	fx := newServerFixture(t)

	rec, _ := fx.do(t, http.MethodPost, "/load_chat", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = fx.do(t, http.MethodPost, "/load_chat", map[string]any{"orchestrator_agent_id": "bogus"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadChatReturnsHistory(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()

	_, err := fx.store.InsertChatMessage(ctx, fx.owner, store.SenderUser, store.SenderOrchestrator, "hello there", nil, nil)
	require.NoError(t, err)

	rec, body := fx.do(t, http.MethodPost, "/load_chat", map[string]any{"orchestrator_agent_id": fx.owner})
	assert.Equal(t, http.StatusOK, rec.Code)

	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	assert.Equal(t, float64(1), body["turn_count"])
}

func TestSendChat(t *testing.T) {
	fx := newServerFixture(t, textTurn("On it."))

	rec, _ := fx.do(t, http.MethodPost, "/send_chat", map[string]any{
		"message":               "ship it",
		"orchestrator_agent_id": "bogus",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := fx.do(t, http.MethodPost, "/send_chat", map[string]any{
		"message":               "ship it",
		"orchestrator_agent_id": fx.owner,
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "success", body["status"])

	// The turn runs detached; wait for the assistant reply to land.
	require.Eventually(t, func() bool {
		history, err := fx.store.ChatHistory(context.Background(), fx.owner, 10, 0, nil)
		return err == nil && len(history) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGetEvents(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()

	_, err := fx.store.InsertChatMessage(ctx, fx.owner, store.SenderUser, store.SenderOrchestrator, "hello", nil, nil)
	require.NoError(t, err)

	rec, body := fx.do(t, http.MethodGet, "/get_events?event_types=orchestrator_chat&limit=10", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestListAgents(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()

	created, err := fx.store.CreateAgent(ctx, fx.owner, "worker", "test-model", "prompt", "/tmp", nil)
	require.NoError(t, err)
	content := "did the thing"
	_, err = fx.store.InsertMessageBlock(ctx, created.ID, "task-1", 0, "text", &content, nil, nil)
	require.NoError(t, err)

	rec, body := fx.do(t, http.MethodGet, "/list_agents", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	agents, ok := body["agents"].([]any)
	require.True(t, ok)
	require.Len(t, agents, 1)
	first := agents[0].(map[string]any)
	assert.Equal(t, "worker", first["name"])
	assert.Equal(t, float64(1), first["log_count"])
}

func TestCacheClearEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	fx.svc.Economy().Cache.Set("k", map[string]any{"message": "v"})

	rec, body := fx.do(t, http.MethodPost, "/api/cache/clear", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cleared", body["status"])
	assert.Equal(t, float64(1), body["entries_removed"])
}

func TestTokenMetricsEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	rec, body := fx.do(t, http.MethodGet, "/api/metrics/tokens", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["enabled"])
	assert.Contains(t, body, "rate_limiter")
	assert.Contains(t, body, "budget")
	assert.Contains(t, body, "selector")
	assert.Equal(t, float64(0), body["live_sessions"])
}

func TestResetEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	rec, body := fx.do(t, http.MethodPost, "/api/orchestrator/reset", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reset", body["status"])
}
