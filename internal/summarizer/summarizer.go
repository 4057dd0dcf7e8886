// Package summarizer generates one-sentence summaries of runtime events
// with the fast model tier. Summaries decorate chat rows and system logs
// so the UI can render long tool output as a single line.
package summarizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/conductor/conductor/internal/common/logger"
	"github.com/conductor/conductor/internal/common/stringutil"
	"github.com/conductor/conductor/internal/llm"
)

// Event types the summarizer knows templates for.
const (
	EventText             = "text"
	EventThinking         = "thinking"
	EventToolUse          = "tool_use"
	EventPreToolUse       = "PreToolUse"
	EventPostToolUse      = "PostToolUse"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventStop             = "Stop"
	EventSubagentStop     = "SubagentStop"
	EventPreCompact       = "PreCompact"
)

const (
	maxEventChars    = 500
	summaryMaxTokens = 100

	systemPrompt = "You summarize events from a multi-agent coding system. " +
		"Respond with exactly one short sentence in plain past or present tense. " +
		"No preamble, no quotes, no markdown."
)

// Event is a single runtime occurrence to summarize. Content is the raw
// payload text; ToolName is set for tool events.
type Event struct {
	Type     string
	Content  string
	ToolName string
}

// Summarizer issues stateless one-shot completions against the fast model.
// Calls are paced by a rate limiter so background summaries cannot starve
// the primary turn of API throughput.
type Summarizer struct {
	messages llm.MessagesClient
	model    string
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   *logger.Logger
}

// New builds a summarizer over the given Messages API with the fast model.
func New(messages llm.MessagesClient, model string, timeout time.Duration, log *logger.Logger) *Summarizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Summarizer{
		messages: messages,
		model:    model,
		timeout:  timeout,
		limiter:  rate.NewLimiter(rate.Limit(2), 4),
		logger:   log,
	}
}

// Summarize returns a one-sentence summary of the event. It never returns
// an empty string: any failure yields a descriptive fallback.
func (s *Summarizer) Summarize(ctx context.Context, ev Event) string {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return fallback(ev)
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(s.model),
		MaxTokens:   summaryMaxTokens,
		Temperature: sdk.Float(0.3),
		System:      []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userPrompt(ev))),
		},
	}

	msg, err := s.messages.New(ctx, params)
	if err != nil {
		s.logger.WithError(err).WithFields(zap.String("event_type", ev.Type)).
			Debug("summary generation failed")
		return fallback(ev)
	}

	summary := firstSentence(responseText(msg))
	if summary == "" {
		return fallback(ev)
	}
	return summary
}

// Go summarizes in the background and hands the result to apply. Errors
// never reach the caller; apply always receives a non-empty summary.
func (s *Summarizer) Go(ev Event, apply func(summary string)) {
	go func() {
		apply(s.Summarize(context.Background(), ev))
	}()
}

func userPrompt(ev Event) string {
	content := stringutil.TruncateStringWithEllipsis(ev.Content, maxEventChars)
	switch ev.Type {
	case EventText:
		return fmt.Sprintf("Summarize this assistant message in one sentence:\n\n%s", content)
	case EventThinking:
		return fmt.Sprintf("Summarize this reasoning step in one sentence:\n\n%s", content)
	case EventToolUse, EventPreToolUse:
		return fmt.Sprintf("An agent is running the tool %q with input:\n%s\n\nDescribe the action in one sentence.", ev.ToolName, content)
	case EventPostToolUse:
		return fmt.Sprintf("The tool %q returned:\n%s\n\nDescribe the outcome in one sentence.", ev.ToolName, content)
	case EventUserPromptSubmit:
		return fmt.Sprintf("Summarize this user request in one sentence:\n\n%s", content)
	case EventStop:
		return fmt.Sprintf("An agent finished its turn with this result:\n%s\n\nDescribe what it accomplished in one sentence.", content)
	case EventSubagentStop:
		return fmt.Sprintf("A subagent finished:\n%s\n\nDescribe what it did in one sentence.", content)
	case EventPreCompact:
		return fmt.Sprintf("A conversation context is being compacted:\n%s\n\nDescribe the state in one sentence.", content)
	default:
		return fmt.Sprintf("Summarize this event in one sentence:\n\n%s", content)
	}
}

func fallback(ev Event) string {
	switch ev.Type {
	case EventText:
		return "Sent a message."
	case EventThinking:
		return "Reasoned about the task."
	case EventToolUse, EventPreToolUse:
		if ev.ToolName != "" {
			return fmt.Sprintf("Invoked the %s tool.", ev.ToolName)
		}
		return "Invoked a tool."
	case EventPostToolUse:
		if ev.ToolName != "" {
			return fmt.Sprintf("The %s tool completed.", ev.ToolName)
		}
		return "A tool completed."
	case EventUserPromptSubmit:
		return "Received a user request."
	case EventStop:
		return "Finished the turn."
	case EventSubagentStop:
		return "A subagent finished."
	case EventPreCompact:
		return "Compacted the conversation context."
	default:
		return "Recorded an event."
	}
}

func responseText(msg *sdk.Message) string {
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text
		}
	}
	return ""
}

// firstSentence trims the model output down to a single line and strips
// wrapping quotes the model sometimes adds despite instructions.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	text = strings.Trim(text, `"`)
	return strings.TrimSpace(text)
}
