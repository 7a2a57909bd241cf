package claudeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// McpServer represents an in-process MCP server.
//
// MCP servers provide tools that Claude can invoke. This implementation runs
// in-process, routing tool calls through the SDK control channel rather than
// spawning a separate subprocess. The tool registry may be modified while
// calls are being served; calls run outside the registry lock.
//
// Use CreateMcpServer to create a new server and AddTool to register tools.
type McpServer struct {
	impl *mcp.Implementation

	mu    sync.RWMutex
	tools map[string]*toolEntry
	order []string
}

// ToolHandler handles a call with raw JSON arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (ToolResult, error)

// toolEntry stores tool metadata and handler.
type toolEntry struct {
	tool    *mcp.Tool
	handler ToolHandler
}

// ToolDef defines an MCP tool without the handler.
//
// The InputSchema field is optional. Typed registration infers it from the
// Args type; untyped registration falls back to an open object schema.
type ToolDef struct {
	Name        string // Tool name (required).
	Description string // Tool description (required).
	InputSchema any    // JSON Schema for input validation (optional).
}

// ToolResult is the result of a tool invocation.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"is_error,omitempty"`
}

// ToolContent represents content in a tool result.
type ToolContent struct {
	Type     string `json:"type"`               // "text", "image" or "resource".
	Text     string `json:"text,omitempty"`     // Text content.
	Data     string `json:"data,omitempty"`     // Base64 image data.
	MimeType string `json:"mimeType,omitempty"` // Image MIME type.
	Resource string `json:"resource,omitempty"` // Resource URI.
}

// ToolRegistrar is a function that registers a tool with a server.
//
// This allows passing tools to McpServerOptions. Use Tool() or
// ToolWithResponse() to create registrars.
type ToolRegistrar func(*McpServer)

// McpServerOptions configures an in-process MCP server.
type McpServerOptions struct {
	Name    string          // Server name (required).
	Version string          // Server version (default: "1.0.0").
	Tools   []ToolRegistrar // Tools to register (optional).
}

// CreateMcpServer creates a new in-process MCP server.
//
// Example:
//
//	server := claudeagent.CreateMcpServer(claudeagent.McpServerOptions{
//	    Name:    "calculator",
//	    Version: "1.0.0",
//	    Tools: []claudeagent.ToolRegistrar{
//	        claudeagent.Tool("add", "Add two numbers", addHandler),
//	    },
//	})
func CreateMcpServer(opts McpServerOptions) *McpServer {
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}

	server := &McpServer{
		impl: &mcp.Implementation{
			Name:    opts.Name,
			Version: version,
		},
		tools: make(map[string]*toolEntry),
	}

	for _, registrar := range opts.Tools {
		registrar(server)
	}

	return server
}

// openObjectSchema is used when no schema is given or inference fails.
func openObjectSchema() map[string]any {
	return map[string]any{"type": "object"}
}

// schemaFor infers an input schema from Args.
func schemaFor[Args any](def ToolDef) any {
	if def.InputSchema != nil {
		return def.InputSchema
	}
	schema, err := jsonschema.For[Args](nil)
	if err != nil || schema.Type != "object" {
		return openObjectSchema()
	}
	return schema
}

// typedHandler decodes raw arguments into Args. Decoding failures become
// error results so Claude can correct its call.
func typedHandler[Args any](
	handler func(ctx context.Context, args Args) (ToolResult, error),
) ToolHandler {
	return func(ctx context.Context, rawArgs json.RawMessage) (ToolResult, error) {
		var args Args
		if len(rawArgs) > 0 && string(rawArgs) != "null" {
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}
		return handler(ctx, args)
	}
}

// responseHandler wraps a handler whose typed response is sent back as
// JSON text.
func responseHandler[Args, Response any](
	handler func(ctx context.Context, args Args) (Response, error),
) ToolHandler {
	return typedHandler(func(ctx context.Context, args Args) (ToolResult, error) {
		resp, err := handler(ctx, args)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return ErrorResult(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return TextResult(string(data)), nil
	})
}

// Tool creates a ToolRegistrar for use with McpServerOptions.
//
// The generic Args type specifies the expected input type and its JSON
// schema. Arguments are unmarshaled from JSON to Args before the handler
// is invoked.
func Tool[Args any](
	name, description string,
	handler func(ctx context.Context, args Args) (ToolResult, error),
) ToolRegistrar {
	return func(s *McpServer) {
		AddTool(s, ToolDef{Name: name, Description: description}, handler)
	}
}

// ToolWithResponse creates a ToolRegistrar with typed args and response.
//
// The generic Response type is marshaled to JSON text content.
func ToolWithResponse[Args, Response any](
	name, description string,
	handler func(ctx context.Context, args Args) (Response, error),
) ToolRegistrar {
	return func(s *McpServer) {
		AddToolWithResponse(s, ToolDef{Name: name, Description: description}, handler)
	}
}

// AddTool registers a type-safe tool handler with the server.
//
// Example:
//
//	type AddArgs struct {
//	    A int `json:"a" jsonschema:"First number"`
//	    B int `json:"b" jsonschema:"Second number"`
//	}
//
//	claudeagent.AddTool(server, claudeagent.ToolDef{
//	    Name:        "add",
//	    Description: "Add two numbers",
//	}, func(ctx context.Context, args AddArgs) (claudeagent.ToolResult, error) {
//	    return claudeagent.TextResult(fmt.Sprintf("%d", args.A+args.B)), nil
//	})
func AddTool[Args any](
	server *McpServer,
	def ToolDef,
	handler func(ctx context.Context, args Args) (ToolResult, error),
) {
	server.addTool(def, schemaFor[Args](def), typedHandler(handler))
}

// AddToolWithResponse registers a tool with typed args and response.
func AddToolWithResponse[Args, Response any](
	server *McpServer,
	def ToolDef,
	handler func(ctx context.Context, args Args) (Response, error),
) {
	server.addTool(def, schemaFor[Args](def), responseHandler(handler))
}

// AddToolUntyped registers a tool handler that receives raw JSON
// arguments.
func AddToolUntyped(server *McpServer, def ToolDef, handler ToolHandler) {
	schema := def.InputSchema
	if schema == nil {
		schema = openObjectSchema()
	}
	server.addTool(def, schema, handler)
}

// addTool registers or replaces a tool.
func (s *McpServer) addTool(def ToolDef, schema any, handler ToolHandler) {
	tool := &mcp.Tool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: schema,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[def.Name]; !exists {
		s.order = append(s.order, def.Name)
	}
	s.tools[def.Name] = &toolEntry{tool: tool, handler: handler}
}

// RemoveTool unregisters a tool. It reports whether the tool existed.
func (s *McpServer) RemoveTool(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tools[name]; !ok {
		return false
	}
	delete(s.tools, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Name returns the server name.
func (s *McpServer) Name() string {
	return s.impl.Name
}

// Version returns the server version.
func (s *McpServer) Version() string {
	return s.impl.Version
}

// ToolNames returns the names of all registered tools in registration
// order.
func (s *McpServer) ToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// Tools returns the metadata of all registered tools in registration
// order.
func (s *McpServer) Tools() []*mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]*mcp.Tool, 0, len(s.order))
	for _, name := range s.order {
		tools = append(tools, s.tools[name].tool)
	}
	return tools
}

func (s *McpServer) lookup(name string) (*toolEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tools[name]
	return entry, ok
}

// CallTool invokes a tool by name with the given arguments.
//
// Returns an error if the tool is not found. Tool execution errors are
// returned via ToolResult.IsError, not as Go errors.
func (s *McpServer) CallTool(
	ctx context.Context,
	name string,
	args json.RawMessage,
) (ToolResult, error) {
	entry, ok := s.lookup(name)
	if !ok {
		return ToolResult{}, fmt.Errorf("tool not found: %s", name)
	}
	return entry.handler(ctx, args)
}

// TextResult creates a successful tool result with text content.
func TextResult(text string) ToolResult {
	return ToolResult{
		Content: []ToolContent{TextContent(text)},
	}
}

// ErrorResult creates an error tool result with text content.
func ErrorResult(text string) ToolResult {
	return ToolResult{
		Content: []ToolContent{TextContent(text)},
		IsError: true,
	}
}

// MultiContentResult creates a result with multiple content items.
func MultiContentResult(contents ...ToolContent) ToolResult {
	return ToolResult{
		Content: contents,
	}
}

// TextContent creates a text content item.
func TextContent(text string) ToolContent {
	return ToolContent{Type: "text", Text: text}
}

// ImageContent creates an image content item from base64 data.
func ImageContent(data, mimeType string) ToolContent {
	return ToolContent{Type: "image", Data: data, MimeType: mimeType}
}

// ResourceContent creates a resource content item.
func ResourceContent(uri string) ToolContent {
	return ToolContent{Type: "resource", Resource: uri}
}
