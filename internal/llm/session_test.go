package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/conductor/internal/common/logger"
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

// blockingDecoder blocks until the request context is cancelled, mimicking a
// hung streaming response.
type blockingDecoder struct{ ctx context.Context }

func (d *blockingDecoder) Event() ssestream.Event { return ssestream.Event{} }

func (d *blockingDecoder) Next() bool {
	<-d.ctx.Done()
	return false
}

func (d *blockingDecoder) Close() error { return nil }
func (d *blockingDecoder) Err() error   { return d.ctx.Err() }

type streamScript func(ctx context.Context) *ssestream.Stream[sdk.MessageStreamEventUnion]

// fakeMessages plays back scripted streams in order.
type fakeMessages struct {
	mu      sync.Mutex
	scripts []streamScript
	calls   []sdk.MessageNewParams
}

func (f *fakeMessages) New(context.Context, sdk.MessageNewParams, ...option.RequestOption) (*sdk.Message, error) {
	return nil, errors.New("unexpected non-streaming call")
}

func (f *fakeMessages) NewStreaming(ctx context.Context, params sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if len(f.scripts) == 0 {
		return ssestream.NewStream[sdk.MessageStreamEventUnion](&scriptDecoder{err: errors.New("no scripted response")}, nil)
	}
	next := f.scripts[0]
	f.scripts = f.scripts[1:]
	return next(ctx)
}

func (f *fakeMessages) callParams() []sdk.MessageNewParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sdk.MessageNewParams(nil), f.calls...)
}

func scripted(raw ...string) streamScript {
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
	return func(context.Context) *ssestream.Stream[sdk.MessageStreamEventUnion] {
		return ssestream.NewStream[sdk.MessageStreamEventUnion](&scriptDecoder{events: events}, nil)
	}
}

func blocking() streamScript {
	return func(ctx context.Context) *ssestream.Stream[sdk.MessageStreamEventUnion] {
		return ssestream.NewStream[sdk.MessageStreamEventUnion](&blockingDecoder{ctx: ctx}, nil)
	}
}

func textTurn(text string) streamScript {
	return scripted(
		`{"type":"message_start","message":{"id":"msg_text","type":"message","role":"assistant","model":"test-model","content":[],"stop_reason":null,"usage":{"input_tokens":10,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"`+text+`"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":12}}`,
		`{"type":"message_stop"}`,
	)
}

func toolTurn(toolName string) streamScript {
	return scripted(
		`{"type":"message_start","message":{"id":"msg_tool","type":"message","role":"assistant","model":"test-model","content":[],"stop_reason":null,"usage":{"input_tokens":20,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"`+toolName+`","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"x\":1}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	)
}

func newTestClient(t *testing.T, fake *fakeMessages) *Client {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewClientWithMessages(fake, 1024, log)
}

func drain(t *testing.T, ch <-chan StreamMessage) []StreamMessage {
	t.Helper()
	var msgs []StreamMessage
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-timeout:
			t.Fatal("timeout draining stream")
		}
	}
}

func TestSessionTextTurn(t *testing.T) {
	fake := &fakeMessages{scripts: []streamScript{textTurn("Hello there")}}
	client := newTestClient(t, fake)

	var submitted string
	var stopReason string
	var stopTurns int
	session := NewSession(client, SessionConfig{
		Model:        "test-model",
		SystemPrompt: "You orchestrate.",
		Hooks: Hooks{
			UserPromptSubmit: func(_ context.Context, prompt string) error {
				submitted = prompt
				return nil
			},
			Stop: func(_ context.Context, reason string, numTurns int, _ int64) error {
				stopReason = reason
				stopTurns = numTurns
				return nil
			},
		},
	}, nil)

	ch, err := session.Query(context.Background(), "hi")
	require.NoError(t, err)
	msgs := drain(t, ch)

	require.Len(t, msgs, 3)
	assert.Equal(t, MessageTypeSystem, msgs[0].Type)
	assert.Equal(t, "init", msgs[0].Subtype)
	assert.Equal(t, session.ID(), msgs[0].Data["session_id"])
	assert.Equal(t, "test-model", msgs[0].Data["model"])

	require.Equal(t, MessageTypeAssistant, msgs[1].Type)
	require.Len(t, msgs[1].Blocks, 1)
	assert.Equal(t, BlockTypeText, msgs[1].Blocks[0].Type)
	assert.Equal(t, "Hello there", msgs[1].Blocks[0].Text)

	result := msgs[2]
	require.Equal(t, MessageTypeResult, result.Type)
	assert.Equal(t, "end_turn", result.StopReason)
	assert.Equal(t, 1, result.NumTurns)
	assert.Equal(t, int64(10), result.Usage.InputTokens)
	assert.Equal(t, int64(12), result.Usage.OutputTokens)
	assert.NotEmpty(t, result.SessionID)
	assert.False(t, result.IsError)

	assert.Equal(t, "hi", submitted)
	assert.Equal(t, "end_turn", stopReason)
	assert.Equal(t, 1, stopTurns)

	calls := fake.callParams()
	require.Len(t, calls, 1)
	assert.Equal(t, sdk.Model("test-model"), calls[0].Model)
	require.Len(t, calls[0].System, 1)
	assert.Equal(t, "You orchestrate.", calls[0].System[0].Text)
	assert.Len(t, calls[0].Messages, 1)

	assert.False(t, session.Executing())
	assert.Equal(t, int64(22), session.Usage().TotalTokens())
}

func TestSessionToolLoop(t *testing.T) {
	fake := &fakeMessages{scripts: []streamScript{toolTurn("adder"), textTurn("The answer is 4")}}
	client := newTestClient(t, fake)

	var handlerInput map[string]any
	var preName, preID string
	var postResult string
	var postIsError bool

	session := NewSession(client, SessionConfig{
		Model: "test-model",
		Tools: []ToolDefinition{{
			Name:        "adder",
			Description: "Adds numbers.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{"type": "number"}}},
			Handler: func(_ context.Context, input map[string]any) (string, error) {
				handlerInput = input
				return "4", nil
			},
		}},
		Hooks: Hooks{
			PreTool: func(_ context.Context, toolName string, _ map[string]any, toolUseID string) error {
				preName, preID = toolName, toolUseID
				return nil
			},
			PostTool: func(_ context.Context, _ string, _ map[string]any, result string, isError bool, _ string) error {
				postResult, postIsError = result, isError
				return nil
			},
		},
	}, nil)

	ch, err := session.Query(context.Background(), "add 1 and 3")
	require.NoError(t, err)
	msgs := drain(t, ch)

	result := msgs[len(msgs)-1]
	require.Equal(t, MessageTypeResult, result.Type)
	assert.Equal(t, "end_turn", result.StopReason)
	assert.Equal(t, 2, result.NumTurns)
	assert.Equal(t, int64(30), result.Usage.InputTokens)
	assert.Equal(t, int64(19), result.Usage.OutputTokens)

	assert.Equal(t, map[string]any{"x": float64(1)}, handlerInput)
	assert.Equal(t, "adder", preName)
	assert.Equal(t, "tu_1", preID)
	assert.Equal(t, "4", postResult)
	assert.False(t, postIsError)

	calls := fake.callParams()
	require.Len(t, calls, 2)
	// Second request carries prompt, assistant tool_use and the tool_result.
	assert.Len(t, calls[1].Messages, 3)
	require.NotEmpty(t, calls[1].Tools)
}

func TestSessionUnknownToolReturnsErrorResult(t *testing.T) {
	fake := &fakeMessages{scripts: []streamScript{toolTurn("missing"), textTurn("ok")}}
	client := newTestClient(t, fake)

	var postResult string
	var postIsError bool
	session := NewSession(client, SessionConfig{
		Model: "test-model",
		Hooks: Hooks{
			PostTool: func(_ context.Context, _ string, _ map[string]any, result string, isError bool, _ string) error {
				postResult, postIsError = result, isError
				return nil
			},
		},
	}, nil)

	ch, err := session.Query(context.Background(), "go")
	require.NoError(t, err)
	msgs := drain(t, ch)

	assert.True(t, postIsError)
	assert.Contains(t, postResult, "unknown tool: missing")
	assert.Equal(t, "end_turn", msgs[len(msgs)-1].StopReason)
}

func TestSessionInterrupt(t *testing.T) {
	fake := &fakeMessages{scripts: []streamScript{blocking()}}
	client := newTestClient(t, fake)

	var stopReason string
	session := NewSession(client, SessionConfig{
		Model: "test-model",
		Hooks: Hooks{
			Stop: func(_ context.Context, reason string, _ int, _ int64) error {
				stopReason = reason
				return nil
			},
		},
	}, nil)

	ch, err := session.Query(context.Background(), "hang")
	require.NoError(t, err)

	require.Eventually(t, session.Executing, time.Second, time.Millisecond)
	session.Interrupt()

	msgs := drain(t, ch)
	result := msgs[len(msgs)-1]
	require.Equal(t, MessageTypeResult, result.Type)
	assert.Equal(t, StopReasonInterrupted, result.StopReason)
	assert.False(t, result.IsError)
	assert.Equal(t, StopReasonInterrupted, stopReason)
	assert.False(t, session.Executing())
}

func TestSessionInterruptThenNewTurn(t *testing.T) {
	fake := &fakeMessages{scripts: []streamScript{blocking(), textTurn("second")}}
	client := newTestClient(t, fake)
	session := NewSession(client, SessionConfig{Model: "test-model"}, nil)

	ch1, err := session.Query(context.Background(), "first")
	require.NoError(t, err)
	require.Eventually(t, session.Executing, time.Second, time.Millisecond)
	session.Interrupt()

	// Query waits for the interrupted turn to wind down, then proceeds.
	ch2, err := session.Query(context.Background(), "second")
	require.NoError(t, err)

	msgs1 := drain(t, ch1)
	assert.Equal(t, StopReasonInterrupted, msgs1[len(msgs1)-1].StopReason)

	msgs2 := drain(t, ch2)
	result := msgs2[len(msgs2)-1]
	assert.Equal(t, "end_turn", result.StopReason)
	assert.False(t, result.IsError)
}

func TestSessionPromptHookErrorAbortsTurn(t *testing.T) {
	fake := &fakeMessages{}
	client := newTestClient(t, fake)
	session := NewSession(client, SessionConfig{
		Model: "test-model",
		Hooks: Hooks{
			UserPromptSubmit: func(context.Context, string) error {
				return errors.New("store down")
			},
		},
	}, nil)

	ch, err := session.Query(context.Background(), "hi")
	require.Error(t, err)
	assert.Nil(t, ch)
	assert.Empty(t, fake.callParams())
}

func TestSessionStreamErrorSurfacesInResult(t *testing.T) {
	fake := &fakeMessages{}
	client := newTestClient(t, fake)
	session := NewSession(client, SessionConfig{Model: "test-model"}, nil)

	ch, err := session.Query(context.Background(), "hi")
	require.NoError(t, err)
	msgs := drain(t, ch)

	result := msgs[len(msgs)-1]
	require.Equal(t, MessageTypeResult, result.Type)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Error, "no scripted response")
	assert.False(t, session.Executing())
}

func TestSessionCompactsOversizedTranscript(t *testing.T) {
	fake := &fakeMessages{scripts: []streamScript{textTurn("trimmed")}}
	client := newTestClient(t, fake)

	var tokensBefore int
	cfg := SessionConfig{
		Model:            "test-model",
		MaxContextTokens: 30,
		Hooks: Hooks{
			PreCompact: func(_ context.Context, tokens int) error {
				tokensBefore = tokens
				return nil
			},
		},
	}

	seed := make([]sdk.MessageParam, 0, 5)
	filler := strings.Repeat("history ", 30)
	for i := 0; i < 5; i++ {
		seed = append(seed, sdk.NewUserMessage(sdk.NewTextBlock(filler)))
	}
	session := ResumeSession(client, cfg, "sess-1", seed, nil)

	ch, err := session.Query(context.Background(), "latest")
	require.NoError(t, err)
	drain(t, ch)

	assert.Greater(t, tokensBefore, 30)
	calls := fake.callParams()
	require.Len(t, calls, 1)
	assert.Less(t, len(calls[0].Messages), 6)
}

func TestSessionRegistry(t *testing.T) {
	fake := &fakeMessages{scripts: []streamScript{textTurn("hi")}}
	client := newTestClient(t, fake)
	session := NewSession(client, SessionConfig{Model: "test-model"}, nil)

	registry := NewSessionRegistry()
	registry.Put(session) // no id yet
	assert.Zero(t, registry.Len())

	ch, err := session.Query(context.Background(), "hi")
	require.NoError(t, err)
	drain(t, ch)

	registry.Put(session)
	require.Equal(t, 1, registry.Len())

	got, ok := registry.Get(session.ID())
	require.True(t, ok)
	assert.Same(t, session, got)

	registry.Remove(session.ID())
	assert.Zero(t, registry.Len())
}
