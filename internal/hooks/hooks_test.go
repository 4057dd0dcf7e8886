package hooks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/conductor/internal/summarizer"
	"github.com/conductor/conductor/internal/tracker"
)

type insertedEvent struct {
	agentID    string
	taskSlug   string
	entryIndex int
	eventType  string
	payload    map[string]any
	content    string
}

type stubRecorder struct {
	inserted    []insertedEvent
	summaries   map[string]string
	tokenResets []string
	insertErr   error
	summaryErr  error
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{summaries: make(map[string]string)}
}

func (s *stubRecorder) InsertHookEvent(_ context.Context, agentID, taskSlug string, entryIndex int, eventType string, payload map[string]any, content *string, _ *string) (string, error) {
	if s.insertErr != nil {
		return "", s.insertErr
	}
	var body string
	if content != nil {
		body = *content
	}
	s.inserted = append(s.inserted, insertedEvent{agentID, taskSlug, entryIndex, eventType, payload, body})
	return "log-" + eventType, nil
}

func (s *stubRecorder) UpdateAgentLogSummary(_ context.Context, logID, summary string) error {
	if s.summaryErr != nil {
		return s.summaryErr
	}
	s.summaries[logID] = summary
	return nil
}

func (s *stubRecorder) ResetAgentTokens(_ context.Context, id string) error {
	s.tokenResets = append(s.tokenResets, id)
	return nil
}

type stubNotifier struct {
	logs            []map[string]any
	summaryUpdates  []string
	summaryAgentIDs []string
}

func (s *stubNotifier) AgentLog(log map[string]any) {
	s.logs = append(s.logs, log)
}

func (s *stubNotifier) AgentSummaryUpdate(agentID, summary string) {
	s.summaryAgentIDs = append(s.summaryAgentIDs, agentID)
	s.summaryUpdates = append(s.summaryUpdates, summary)
}

// syncSummaries applies a fixed summary inline, keeping tests deterministic.
type syncSummaries struct {
	events []summarizer.Event
	text   string
}

func (s *syncSummaries) Go(ev summarizer.Event, apply func(summary string)) {
	s.events = append(s.events, ev)
	apply(s.text)
}

func newTestBuilder(rec *stubRecorder, not *stubNotifier, sum Summaries) *Builder {
	return &Builder{
		AgentID:    "agent-1",
		AgentName:  "coder",
		TaskSlug:   "fix-auth-20260824-120000",
		Counter:    &Counter{},
		Store:      rec,
		Broadcast:  not,
		Summarizer: sum,
	}
}

func TestCounterSequence(t *testing.T) {
	var c Counter
	assert.Equal(t, 0, c.Next())
	assert.Equal(t, 1, c.Next())
	assert.Equal(t, 2, c.Next())
}

func TestUserPromptSubmitHook(t *testing.T) {
	rec := newStubRecorder()
	not := &stubNotifier{}
	sum := &syncSummaries{text: "User asked for a fix."}
	h := newTestBuilder(rec, not, sum).Build()

	prompt := strings.Repeat("p", 1200)
	require.NoError(t, h.UserPromptSubmit(context.Background(), prompt))

	require.Len(t, rec.inserted, 1)
	ev := rec.inserted[0]
	assert.Equal(t, EventUserPromptSubmit, ev.eventType)
	assert.Equal(t, 0, ev.entryIndex)
	assert.Len(t, ev.payload["prompt"], 1000)
	assert.Equal(t, 1200, ev.payload["prompt_length"])
	assert.True(t, strings.HasPrefix(ev.content, "User prompt: "))
	assert.True(t, strings.HasSuffix(ev.content, "..."))

	require.Len(t, not.logs, 1)
	assert.Equal(t, "log-UserPromptSubmit", not.logs[0]["id"])
	assert.Equal(t, "coder", not.logs[0]["agent_name"])
	assert.Equal(t, "hook", not.logs[0]["event_category"])

	// Summary generated inline: persisted and broadcast.
	assert.Equal(t, "User asked for a fix.", rec.summaries["log-UserPromptSubmit"])
	assert.Equal(t, []string{"agent-1"}, not.summaryAgentIDs)
	require.Len(t, sum.events, 1)
	assert.Equal(t, summarizer.EventUserPromptSubmit, sum.events[0].Type)
}

func TestPreToolHookPayload(t *testing.T) {
	rec := newStubRecorder()
	h := newTestBuilder(rec, &stubNotifier{}, nil).Build()

	input := map[string]any{"file_path": "/tmp/a.go"}
	require.NoError(t, h.PreTool(context.Background(), "Read", input, "tu_9"))

	require.Len(t, rec.inserted, 1)
	ev := rec.inserted[0]
	assert.Equal(t, EventPreToolUse, ev.eventType)
	assert.Equal(t, "Read", ev.payload["tool_name"])
	assert.Equal(t, input, ev.payload["tool_input"])
	assert.Equal(t, "tu_9", ev.payload["tool_use_id"])
	assert.Equal(t, "Using tool: Read", ev.content)
}

func TestPostToolHookTruncatesResult(t *testing.T) {
	rec := newStubRecorder()
	h := newTestBuilder(rec, &stubNotifier{}, nil).Build()

	long := strings.Repeat("r", 900)
	require.NoError(t, h.PostTool(context.Background(), "Bash", nil, long, false, "tu_1"))

	require.Len(t, rec.inserted, 1)
	assert.Len(t, rec.inserted[0].payload["result"], 500)
	assert.Equal(t, false, rec.inserted[0].payload["is_error"])
}

func TestPostToolHookOmitsEmptyResult(t *testing.T) {
	rec := newStubRecorder()
	h := newTestBuilder(rec, &stubNotifier{}, nil).Build()

	require.NoError(t, h.PostTool(context.Background(), "Bash", nil, "", true, "tu_1"))
	_, ok := rec.inserted[0].payload["result"]
	assert.False(t, ok)
	assert.Equal(t, true, rec.inserted[0].payload["is_error"])
}

func TestPostToolHookFeedsTracker(t *testing.T) {
	rec := newStubRecorder()
	b := newTestBuilder(rec, &stubNotifier{}, nil)
	b.Tracker = tracker.New("/work", nil)
	h := b.Build()

	input := map[string]any{"file_path": "/work/read.go"}
	require.NoError(t, h.PostTool(context.Background(), "Read", input, "contents", false, "tu_1"))
	assert.Equal(t, []string{"/work/read.go"}, b.Tracker.ReadFiles())

	// Failed tool calls are not recorded as file operations.
	failed := map[string]any{"file_path": "/work/missing.go"}
	require.NoError(t, h.PostTool(context.Background(), "Read", failed, "no such file", true, "tu_2"))
	assert.Equal(t, []string{"/work/read.go"}, b.Tracker.ReadFiles())
}

func TestStopHookPayload(t *testing.T) {
	rec := newStubRecorder()
	h := newTestBuilder(rec, &stubNotifier{}, nil).Build()

	require.NoError(t, h.Stop(context.Background(), "end_turn", 3, 1500))
	ev := rec.inserted[0]
	assert.Equal(t, EventStop, ev.eventType)
	assert.Equal(t, "end_turn", ev.payload["reason"])
	assert.Equal(t, 3, ev.payload["num_turns"])
	assert.Equal(t, int64(1500), ev.payload["duration_ms"])
	assert.Equal(t, "Agent stopped: end_turn", ev.content)
}

func TestPreCompactHookResetsTokens(t *testing.T) {
	rec := newStubRecorder()
	h := newTestBuilder(rec, &stubNotifier{}, nil).Build()

	require.NoError(t, h.PreCompact(context.Background(), 180000))
	assert.Equal(t, []string{"agent-1"}, rec.tokenResets)
	assert.Equal(t, 180000, rec.inserted[0].payload["tokens_before"])
}

func TestInsertErrorAbortsHook(t *testing.T) {
	rec := newStubRecorder()
	rec.insertErr = errors.New("db down")
	h := newTestBuilder(rec, &stubNotifier{}, nil).Build()

	err := h.PreTool(context.Background(), "Bash", nil, "tu_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestSummaryFailureIsSwallowed(t *testing.T) {
	rec := newStubRecorder()
	rec.summaryErr = errors.New("db down")
	not := &stubNotifier{}
	h := newTestBuilder(rec, not, &syncSummaries{text: "ignored"}).Build()

	require.NoError(t, h.Stop(context.Background(), "end_turn", 1, 10))
	assert.Empty(t, not.summaryUpdates)
}

func TestEntryIndexesInterleaveAcrossHooks(t *testing.T) {
	rec := newStubRecorder()
	h := newTestBuilder(rec, &stubNotifier{}, nil).Build()

	require.NoError(t, h.UserPromptSubmit(context.Background(), "go"))
	require.NoError(t, h.PreTool(context.Background(), "Bash", nil, "tu_1"))
	require.NoError(t, h.PostTool(context.Background(), "Bash", nil, "ok", false, "tu_1"))
	require.NoError(t, h.Stop(context.Background(), "end_turn", 1, 10))

	indexes := make([]int, 0, len(rec.inserted))
	for _, ev := range rec.inserted {
		indexes = append(indexes, ev.entryIndex)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, indexes)
}
