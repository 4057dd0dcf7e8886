// Package llm adapts the Anthropic Messages API into the streaming session
// model the orchestrator and worker agents run on. A Session owns one
// conversation transcript; Query runs a full agent turn (assistant stream,
// tool dispatch, resume) and emits the turn as a sequence of StreamMessages.
package llm

import "context"

// Usage carries token counts for one request or an accumulated total.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// BlockType discriminates the content blocks of an assistant message.
type BlockType string

const (
	BlockTypeText     BlockType = "text"
	BlockTypeThinking BlockType = "thinking"
	BlockTypeToolUse  BlockType = "tool_use"
)

// Block is one content block of an assistant message.
type Block struct {
	Type BlockType

	// Text is set for BlockTypeText.
	Text string

	// Thinking is set for BlockTypeThinking.
	Thinking string

	// ID, Name and Input are set for BlockTypeToolUse.
	ID    string
	Name  string
	Input map[string]any
}

// MessageType discriminates the messages emitted by Session.Query.
type MessageType string

const (
	// MessageTypeSystem is emitted once at the start of a turn and carries
	// session metadata (session id, cwd, model, tool names).
	MessageTypeSystem MessageType = "system"

	// MessageTypeAssistant carries the content blocks of one completed
	// assistant message.
	MessageTypeAssistant MessageType = "assistant"

	// MessageTypeResult closes the turn with usage totals and the stop
	// reason. It is always the last message on the channel.
	MessageTypeResult MessageType = "result"
)

// StreamMessage is one element of the turn stream.
type StreamMessage struct {
	Type MessageType

	// System fields.
	Subtype string
	Data    map[string]any

	// Assistant fields.
	Blocks []Block

	// Result fields.
	SessionID    string
	StopReason   string
	NumTurns     int
	DurationMS   int64
	Usage        Usage
	TotalCostUSD float64
	IsError      bool
	Error        string
}

// Role of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEntry is a plain text conversation message, used to reseed a
// resumed session from persisted chat history.
type TranscriptEntry struct {
	Role Role
	Text string
}

// ToolHandler executes one tool call. The returned string becomes the
// tool_result content; a non-nil error is surfaced to the model as an
// error result, not to the caller.
type ToolHandler func(ctx context.Context, input map[string]any) (string, error)

// ToolDefinition registers a virtual tool with a session. InputSchema is a
// JSON schema object ("type", "properties", "required").
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     ToolHandler
}

// Hooks are lifecycle callbacks fired from inside the turn loop. Any nil
// hook is skipped. Errors from UserPromptSubmit, PreTool and PostTool abort
// the turn; errors from the remaining hooks are logged and swallowed.
type Hooks struct {
	// UserPromptSubmit fires when Query accepts a prompt, before any
	// request is made.
	UserPromptSubmit func(ctx context.Context, prompt string) error

	// PreTool fires before a tool handler runs.
	PreTool func(ctx context.Context, toolName string, toolInput map[string]any, toolUseID string) error

	// PostTool fires after a tool handler returns, with the original input
	// and the result.
	PostTool func(ctx context.Context, toolName string, toolInput map[string]any, result string, isError bool, toolUseID string) error

	// Stop fires exactly once when the turn loop exits, including on
	// interrupt and error.
	Stop func(ctx context.Context, reason string, numTurns int, durationMS int64) error

	// SubagentStop fires when a worker session owned by this one finishes.
	// The session never calls it itself; the agent manager does.
	SubagentStop func(ctx context.Context, subagentID string) error

	// PreCompact fires when the transcript exceeds the context threshold
	// and is about to be trimmed.
	PreCompact func(ctx context.Context, tokensBefore int) error
}
