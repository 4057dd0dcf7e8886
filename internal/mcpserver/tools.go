package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/conductor/conductor/internal/common/logger"
	"github.com/conductor/conductor/internal/llm"
)

// registerTools bridges each tool definition onto the MCP server. The input
// schema passes through as-is, and calls dispatch to the same handler the
// orchestrator session invokes.
func registerTools(s *server.MCPServer, tools []llm.ToolDefinition, log *logger.Logger) {
	for _, def := range tools {
		schema, err := json.Marshal(def.InputSchema)
		if err != nil {
			log.Error("failed to encode tool schema",
				zap.String("tool", def.Name), zap.Error(err))
			continue
		}
		s.AddTool(
			mcp.NewToolWithRawSchema(def.Name, def.Description, schema),
			toolHandler(def, log),
		)
	}
	log.Info("registered MCP tools", zap.Int("count", len(tools)))
}

func toolHandler(def llm.ToolDefinition, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := def.Handler(ctx, req.GetArguments())
		if err != nil {
			log.Warn("tool call failed",
				zap.String("tool", def.Name), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(result), nil
	}
}
