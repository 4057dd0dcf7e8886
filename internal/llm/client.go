package llm

import (
	"context"
	"encoding/json"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/conductor/conductor/internal/common/config"
	"github.com/conductor/conductor/internal/common/logger"
)

// MessagesClient is the subset of the Anthropic Messages API the sessions
// need. *sdk.MessageService satisfies it; tests substitute a scripted fake.
type MessagesClient interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client wraps the Messages API with the request shaping shared by all
// sessions.
type Client struct {
	messages  MessagesClient
	maxTokens int64
	logger    *logger.Logger
}

// NewClient builds a Client over the real Anthropic API.
func NewClient(cfg config.AnthropicConfig, log *logger.Logger) *Client {
	sdkClient := sdk.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.APITimeoutDuration()),
	)
	return NewClientWithMessages(&sdkClient.Messages, int64(cfg.MaxTokens), log)
}

// NewClientWithMessages builds a Client over an arbitrary MessagesClient.
func NewClientWithMessages(messages MessagesClient, maxTokens int64, log *logger.Logger) *Client {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	if log == nil {
		log = logger.Default()
	}
	return &Client{messages: messages, maxTokens: maxTokens, logger: log}
}

// Messages returns the underlying Messages API client, shared with the
// summarizer so both ride the same transport.
func (c *Client) Messages() MessagesClient { return c.messages }

// Complete issues a single non-streaming request.
func (c *Client) Complete(ctx context.Context, model, systemPrompt string, messages []sdk.MessageParam) (*sdk.Message, error) {
	return c.messages.New(ctx, c.buildParams(model, systemPrompt, messages, nil))
}

func (c *Client) buildParams(model, systemPrompt string, transcript []sdk.MessageParam, tools []ToolDefinition) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  transcript,
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = encodeTools(tools)
	}
	return params
}

func encodeTools(defs []ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{}
		if len(def.InputSchema) > 0 {
			schema.ExtraFields = def.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

// translateBlocks converts an API message's content into Blocks. Empty text
// blocks are dropped; unknown block types are ignored.
func translateBlocks(msg *sdk.Message) []Block {
	blocks := make([]Block, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			blocks = append(blocks, Block{Type: BlockTypeText, Text: block.Text})
		case "thinking":
			blocks = append(blocks, Block{Type: BlockTypeThinking, Thinking: block.Thinking})
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, Block{
				Type:  BlockTypeToolUse,
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return blocks
}

func usageFrom(msg *sdk.Message) Usage {
	return Usage{
		InputTokens:              msg.Usage.InputTokens,
		OutputTokens:             msg.Usage.OutputTokens,
		CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
	}
}
