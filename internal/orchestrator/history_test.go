package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/conductor/internal/store"
)

func TestEventsMergesSources(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(false))
	ctx := context.Background()

	agent, err := fx.store.CreateAgent(ctx, fx.owner, "worker", "test-model", "prompt", "/tmp", nil)
	require.NoError(t, err)

	content := "wrote the migration"
	_, err = fx.store.InsertMessageBlock(ctx, agent.ID, "task-1", 0, "text", &content, nil, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = fx.store.InsertChatMessage(ctx, fx.owner, store.SenderUser, store.SenderOrchestrator, "how is it going?", nil, nil)
	require.NoError(t, err)

	events, err := fx.svc.Events(ctx, EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "agent_log", events[0]["sourceType"])
	assert.Equal(t, "wrote the migration", events[0]["content"])
	assert.Equal(t, "worker", events[0]["agent_name"])
	assert.Equal(t, "orchestrator_chat", events[1]["sourceType"])
	assert.Equal(t, "how is it going?", events[1]["message"])
}

func TestEventsSourceFilters(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(false))
	ctx := context.Background()

	agent, err := fx.store.CreateAgent(ctx, fx.owner, "worker", "test-model", "prompt", "/tmp", nil)
	require.NoError(t, err)
	content := "step done"
	_, err = fx.store.InsertMessageBlock(ctx, agent.ID, "task-1", 0, "text", &content, nil, nil)
	require.NoError(t, err)
	_, err = fx.store.InsertChatMessage(ctx, fx.owner, store.SenderUser, store.SenderOrchestrator, "hello", nil, nil)
	require.NoError(t, err)

	logs, err := fx.svc.Events(ctx, EventQuery{EventTypes: []string{"agent_logs"}})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "agent_log", logs[0]["sourceType"])

	chat, err := fx.svc.Events(ctx, EventQuery{EventTypes: []string{"orchestrator_chat"}})
	require.NoError(t, err)
	require.Len(t, chat, 1)
	assert.Equal(t, "orchestrator_chat", chat[0]["sourceType"])

	all, err := fx.svc.Events(ctx, EventQuery{EventTypes: []string{"all"}})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEventsAgentAndTaskFilter(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(false))
	ctx := context.Background()

	agent, err := fx.store.CreateAgent(ctx, fx.owner, "worker", "test-model", "prompt", "/tmp", nil)
	require.NoError(t, err)
	first := "first task entry"
	second := "second task entry"
	_, err = fx.store.InsertMessageBlock(ctx, agent.ID, "task-1", 0, "text", &first, nil, nil)
	require.NoError(t, err)
	_, err = fx.store.InsertMessageBlock(ctx, agent.ID, "task-2", 0, "text", &second, nil, nil)
	require.NoError(t, err)

	events, err := fx.svc.Events(ctx, EventQuery{
		AgentID:    agent.ID,
		TaskSlug:   "task-2",
		EventTypes: []string{"agent_logs"},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "second task entry", events[0]["content"])
	assert.Equal(t, "task-2", events[0]["task_slug"])
}

func TestEventsWindowKeepsNewest(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(false))
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three"} {
		_, err := fx.store.InsertChatMessage(ctx, fx.owner, store.SenderUser, store.SenderOrchestrator, msg, nil, nil)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	events, err := fx.svc.Events(ctx, EventQuery{Limit: 2, EventTypes: []string{"orchestrator_chat"}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "two", events[0]["message"])
	assert.Equal(t, "three", events[1]["message"])
}
