// Package mcpaudit audits tool calls served in-process by an mcp-go server.
// It is the library counterpart of the stdio wrapper.
package mcpaudit

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/trace"
)

// Middleware reports every tool call to h as a tool_start/tool_end pair.
// The wrapped handler's result and error are returned unchanged.
func Middleware(h *trace.Handler) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			callID := uuid.NewString()
			h.ToolStart(callID, req.Params.Name, req.GetArguments())

			result, err := next(ctx, req)

			raw, toolErr := outcome(result, err)
			h.ToolEnd(callID, raw, toolErr)
			return result, err
		}
	}
}

// NewServer builds an mcp-go server with the audit middleware installed.
func NewServer(name, version string, h *trace.Handler, opts ...server.ServerOption) *server.MCPServer {
	opts = append([]server.ServerOption{
		server.WithToolCapabilities(true),
		server.WithToolHandlerMiddleware(Middleware(h)),
	}, opts...)
	return server.NewMCPServer(name, version, opts...)
}

func outcome(result *mcp.CallToolResult, err error) (any, string) {
	if err != nil {
		return nil, err.Error()
	}
	if result == nil {
		return nil, "tool returned no result"
	}
	text := joinText(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, text
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, ""
	}
	return text, ""
}

func joinText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
