package claudeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mark3 "github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cast"
)

// MCPProtocolVersion is reported in the initialize handshake of
// in-process servers.
const MCPProtocolVersion = "2025-11-25"

// jsonrpcRequest is an incoming JSON-RPC message from the CLI.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonrpcResponse is the reply carried in mcp_response.
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func rpcResult(id json.RawMessage, result any) jsonrpcResponse {
	return jsonrpcResponse{
		JSONRPC: mark3.JSONRPC_VERSION,
		ID:      id,
		Result:  result,
	}
}

func rpcError(id json.RawMessage, code int, format string, args ...any) jsonrpcResponse {
	return jsonrpcResponse{
		JSONRPC: mark3.JSONRPC_VERSION,
		ID:      id,
		Error: &jsonrpcError{
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		},
	}
}

// toolServer answers JSON-RPC messages for one named server.
type toolServer interface {
	handleMessage(ctx context.Context, message json.RawMessage) (json.RawMessage, error)
}

// handleMessage implements toolServer.
func (s *McpServer) handleMessage(
	ctx context.Context,
	message json.RawMessage,
) (json.RawMessage, error) {
	return json.Marshal(s.route(ctx, message))
}

// route answers one JSON-RPC message against the tool registry.
func (s *McpServer) route(ctx context.Context, message json.RawMessage) jsonrpcResponse {
	var req jsonrpcRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return rpcError(nil, mark3.PARSE_ERROR, "invalid JSON-RPC message: %v", err)
	}

	switch req.Method {
	case "initialize":
		return rpcResult(req.ID, map[string]any{
			"protocolVersion": MCPProtocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
			},
			"serverInfo": s.impl,
		})

	case "notifications/initialized", "notifications/cancelled": //nolint:misspell // MCP protocol spelling
		return rpcResult(req.ID, map[string]any{})

	case "tools/list":
		tools := make([]map[string]any, 0)
		for _, tool := range s.Tools() {
			tools = append(tools, map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"inputSchema": tool.InputSchema,
			})
		}
		return rpcResult(req.ID, map[string]any{"tools": tools})

	case "tools/call":
		return s.routeToolCall(ctx, req)

	default:
		return rpcError(req.ID, mark3.METHOD_NOT_FOUND,
			"method not found: %s", req.Method)
	}
}

func (s *McpServer) routeToolCall(ctx context.Context, req jsonrpcRequest) jsonrpcResponse {
	var raw any
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &raw); err != nil {
			return rpcError(req.ID, mark3.INVALID_PARAMS,
				"invalid params: %v", err)
		}
	}
	params, err := cast.ToStringMapE(raw)
	if err != nil {
		return rpcError(req.ID, mark3.INVALID_PARAMS, "invalid params: %v", err)
	}

	name := cast.ToString(params["name"])
	if name == "" {
		return rpcError(req.ID, mark3.INVALID_PARAMS, "missing tool name")
	}

	args := json.RawMessage("{}")
	if v, ok := params["arguments"]; ok && v != nil {
		args, err = json.Marshal(v)
		if err != nil {
			return rpcError(req.ID, mark3.INVALID_PARAMS,
				"invalid arguments: %v", err)
		}
	}

	entry, ok := s.lookup(name)
	if !ok {
		return rpcError(req.ID, mark3.INTERNAL_ERROR, "tool not found: %s", name)
	}

	result, err := entry.handler(ctx, args)
	if err != nil {
		return rpcError(req.ID, mark3.INTERNAL_ERROR,
			"tool %s failed: %v", name, err)
	}

	content := result.Content
	if content == nil {
		content = []ToolContent{}
	}
	body := map[string]any{"content": content}
	if result.IsError {
		body["is_error"] = true
	}
	return rpcResult(req.ID, body)
}

// mcpRouter maps server names from mcp_message requests to tool servers.
type mcpRouter struct {
	mu      sync.RWMutex
	servers map[string]toolServer
}

func newMCPRouter() *mcpRouter {
	return &mcpRouter{servers: make(map[string]toolServer)}
}

func (r *mcpRouter) add(name string, server toolServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[name] = server
}

// names returns the registered server names.
func (r *mcpRouter) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	return names
}

// route forwards message to the named server and wraps the JSON-RPC reply
// as the control response payload {"mcp_response": ...}.
func (r *mcpRouter) route(
	ctx context.Context,
	serverName string,
	message json.RawMessage,
) (json.RawMessage, error) {
	r.mu.RLock()
	server, ok := r.servers[serverName]
	r.mu.RUnlock()

	var reply json.RawMessage
	if !ok {
		var peek struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(message, &peek)

		data, err := json.Marshal(rpcError(peek.ID, mark3.METHOD_NOT_FOUND,
			"server not found: %s", serverName))
		if err != nil {
			return nil, err
		}
		reply = data
	} else {
		data, err := server.handleMessage(ctx, message)
		if err != nil {
			return nil, err
		}
		reply = data
	}

	return json.Marshal(map[string]json.RawMessage{"mcp_response": reply})
}
