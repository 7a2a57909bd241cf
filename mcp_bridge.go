package claudeagent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Serve exposes the server's tools as a standalone MCP server over t, for
// example &mcp.StdioTransport{}. It blocks until the client disconnects or
// ctx is canceled.
//
// The go-sdk server reads the registry once at startup; tools added later
// are only visible through the in-process route.
func (s *McpServer) Serve(ctx context.Context, t mcp.Transport) error {
	srv := mcp.NewServer(s.impl, nil)

	for _, tool := range s.Tools() {
		entry, ok := s.lookup(tool.Name)
		if !ok {
			continue
		}
		srv.AddTool(tool, sdkToolHandler(entry.handler))
	}

	return srv.Run(ctx, t)
}

// sdkToolHandler adapts a ToolHandler to the go-sdk handler signature.
func sdkToolHandler(handler ToolHandler) mcp.ToolHandler {
	return func(
		ctx context.Context,
		req *mcp.CallToolRequest,
	) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}

		result, err := handler(ctx, args)
		if err != nil {
			return nil, err
		}

		return toSDKResult(result), nil
	}
}

func toSDKResult(result ToolResult) *mcp.CallToolResult {
	isError := result.IsError
	content := make([]mcp.Content, 0, len(result.Content))
	for _, c := range result.Content {
		switch c.Type {
		case "image":
			// go-sdk encodes Data itself, so it wants raw bytes.
			data, err := base64.StdEncoding.DecodeString(c.Data)
			if err != nil {
				isError = true
				content = append(content, &mcp.TextContent{
					Text: fmt.Sprintf("invalid image data: %v", err),
				})
				continue
			}
			content = append(content, &mcp.ImageContent{
				Data:     data,
				MIMEType: c.MimeType,
			})

		case "resource":
			content = append(content, &mcp.ResourceLink{
				URI:  c.Resource,
				Name: c.Resource,
			})

		default:
			content = append(content, &mcp.TextContent{Text: c.Text})
		}
	}

	return &mcp.CallToolResult{
		Content: content,
		IsError: isError,
	}
}

// mark3Server routes mcp_message requests to a mark3labs MCP server.
type mark3Server struct {
	srv *server.MCPServer
}

// handleMessage implements toolServer.
func (m mark3Server) handleMessage(
	ctx context.Context,
	message json.RawMessage,
) (json.RawMessage, error) {
	reply := m.srv.HandleMessage(ctx, message)
	if reply == nil {
		// Notifications produce no reply; the CLI still expects one.
		var peek struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(message, &peek)
		return json.Marshal(rpcResult(peek.ID, map[string]any{}))
	}
	return json.Marshal(reply)
}
