// Package store provides typed persistence for orchestrators, agents, chat,
// logs, and prompts over a shared database pool. PostgreSQL is the primary
// backend; SQLite is supported through the dialect layer for development and
// tests.
package store

import (
	"errors"
	"time"
)

// Lifecycle statuses shared by orchestrators and agents.
const (
	StatusIdle      = "idle"
	StatusExecuting = "executing"
	StatusWaiting   = "waiting"
	StatusBlocked   = "blocked"
	StatusComplete  = "complete"
)

// Chat participant types.
const (
	SenderUser         = "user"
	SenderOrchestrator = "orchestrator"
	SenderAgent        = "agent"
)

// Agent log event categories.
const (
	CategoryHook     = "hook"
	CategoryResponse = "response"
)

// Prompt authors.
const (
	AuthorEngineer     = "engineer"
	AuthorOrchestrator = "orchestrator_agent"
)

var (
	ErrOrchestratorNotFound = errors.New("orchestrator not found")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrSessionAlreadySet    = errors.New("session id already set")
)

// Orchestrator is a row in orchestrator_agents. SessionID stays nil until the
// first turn completes and may never be overwritten afterwards.
type Orchestrator struct {
	ID           string
	SessionID    *string
	SystemPrompt string
	Status       string
	WorkingDir   string
	InputTokens  int64
	OutputTokens int64
	TotalCost    float64
	Archived     bool
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Agent is a worker row owned by an orchestrator. (owner, name) is unique
// among non-archived agents.
type Agent struct {
	ID                  string
	OrchestratorAgentID string
	Name                string
	Model               string
	SystemPrompt        string
	WorkingDir          string
	Status              string
	SessionID           *string
	InputTokens         int64
	OutputTokens        int64
	TotalCost           float64
	Archived            bool
	Metadata            map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ChatMessage is a row in orchestrator_chat.
type ChatMessage struct {
	ID                  string
	OrchestratorAgentID string
	SenderType          string
	ReceiverType        string
	Message             string
	AgentID             *string
	Summary             *string
	Metadata            map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AgentLog is an append-only event row for a worker task. EntryIndex is the
// 0-based sequence within (agent, task).
type AgentLog struct {
	ID            string
	AgentID       string
	SessionID     *string
	TaskSlug      string
	EntryIndex    int
	EventCategory string
	EventType     string
	Content       *string
	Payload       map[string]any
	Summary       *string
	Timestamp     time.Time
}

// AgentLogSummary is the projection returned by tail-summaries reads.
type AgentLogSummary struct {
	EntryIndex    int
	EventCategory string
	EventType     string
	Summary       string
	Timestamp     time.Time
}

// SystemLog is an orchestrator-level log row.
type SystemLog struct {
	ID        string
	FilePath  *string
	Level     string
	Message   string
	Summary   *string
	Metadata  map[string]any
	Timestamp time.Time
}

// Prompt records the exact text sent to an agent for a task.
type Prompt struct {
	ID         string
	AgentID    string
	TaskSlug   string
	Author     string
	PromptText string
	Summary    *string
	SessionID  *string
	Timestamp  time.Time
}

// CostUpdate reports the outcome of an incremental cost update.
type CostUpdate struct {
	RowsUpdated  int64
	InputTokens  int64
	OutputTokens int64
	TotalCost    float64
	UpdatedAt    time.Time
}
