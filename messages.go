package claudeagent

import (
	"encoding/json"
	"fmt"
)

// Message is the base interface for every frame read from the CLI.
//
// Content messages (user, assistant, result, system, stream events) are
// delivered to consumers. Control messages (control_request,
// control_response, control_cancel_request) are consumed by the session.
// The MessageType method returns the wire "type" field.
type Message interface {
	MessageType() string
}

// UserMessage represents a user prompt sent to Claude.
//
// This message type initiates or continues a conversation. The
// ParentToolUseID field links this message to a specific tool call when
// providing tool results.
type UserMessage struct {
	Type            string         `json:"type"`                      // Always "user"
	UUID            string         `json:"uuid,omitempty"`            // Unique message ID
	SessionID       string         `json:"session_id"`                // Session identifier
	Message         APIUserMessage `json:"message"`                   // Message content
	ParentToolUseID *string        `json:"parent_tool_use_id"`        // For tool results (null if not tool result)
	IsSynthetic     bool           `json:"isSynthetic,omitempty"`     // True for system-generated messages
	ToolUseResult   any            `json:"tool_use_result,omitempty"` // Tool result JSON if applicable
}

// APIUserMessage represents the message content in Anthropic API format.
type APIUserMessage struct {
	Role    string         `json:"role"`    // Always "user"
	Content []ContentBlock `json:"content"` // Array of content blocks
}

// MessageType implements Message.
func (m UserMessage) MessageType() string { return "user" }

// NewUserMessage builds a text prompt for the given session.
func NewUserMessage(sessionID, text string) UserMessage {
	return UserMessage{
		Type:      "user",
		SessionID: sessionID,
		Message: APIUserMessage{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: text}},
		},
	}
}

// AssistantMessage represents a response from Claude.
//
// Assistant messages contain one or more content blocks that can be text,
// tool use requests, tool results or thinking blocks.
type AssistantMessage struct {
	Type            string              `json:"type"`                         // Always "assistant"
	UUID            string              `json:"uuid,omitempty"`               // Unique message ID
	SessionID       string              `json:"session_id,omitempty"`         // Session identifier
	Message         APIAssistantMessage `json:"message"`                      // Message content
	ParentToolUseID *string             `json:"parent_tool_use_id,omitempty"` // Parent tool use if in subagent
}

// APIAssistantMessage is the Anthropic API message wrapped by an
// AssistantMessage.
type APIAssistantMessage struct {
	ID         string         `json:"id,omitempty"`
	Model      string         `json:"model,omitempty"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// MessageType implements Message.
func (m AssistantMessage) MessageType() string { return "assistant" }

// ContentText returns the concatenated text from all text content blocks.
func (m AssistantMessage) ContentText() string {
	var text string
	for _, block := range m.Message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

// ContentBlock represents a single content element in a message.
//
// Content blocks can be:
// - text: Plain text
// - tool_use: Request to execute a tool
// - tool_result: Result of a tool execution
// - thinking: Claude's reasoning (when extended thinking is enabled)
type ContentBlock struct {
	Type      string          `json:"type"`                  // Block type
	Text      string          `json:"text,omitempty"`        // For text blocks
	Thinking  string          `json:"thinking,omitempty"`    // For thinking blocks
	Signature string          `json:"signature,omitempty"`   // For thinking blocks
	ID        string          `json:"id,omitempty"`          // For tool_use blocks (unique ID)
	Name      string          `json:"name,omitempty"`        // For tool_use blocks (tool name)
	Input     json.RawMessage `json:"input,omitempty"`       // For tool_use blocks (arguments)
	ToolUseID string          `json:"tool_use_id,omitempty"` // For tool_result blocks
	Content   json.RawMessage `json:"content,omitempty"`     // For tool_result blocks
	IsError   bool            `json:"is_error,omitempty"`    // For tool_result blocks
}

// Usage tracks token consumption for a single API message.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// ResultMessage represents the final outcome of a conversation turn.
//
// This message signals completion (success or error) and includes
// cumulative usage statistics for the entire interaction.
type ResultMessage struct {
	Type string `json:"type"` // Always "result"

	// Subtype indicates the result type. Values: "success",
	// "error_max_turns", "error_during_execution", "error_max_budget_usd".
	Subtype string `json:"subtype,omitempty"`

	UUID      string `json:"uuid,omitempty"`       // Unique message ID
	SessionID string `json:"session_id,omitempty"` // Session identifier

	Result string   `json:"result,omitempty"` // Result text (for success)
	Errors []string `json:"errors,omitempty"` // Error messages (for errors)

	DurationMs    int64 `json:"duration_ms,omitempty"`     // Total duration in milliseconds
	DurationAPIMs int64 `json:"duration_api_ms,omitempty"` // API call duration in milliseconds
	IsError       bool  `json:"is_error,omitempty"`        // Whether this is an error result
	NumTurns      int   `json:"num_turns,omitempty"`       // Number of conversation turns

	TotalCostUSD float64 `json:"total_cost_usd,omitempty"` // Total cost in USD
	Usage        *Usage  `json:"usage,omitempty"`          // Cumulative token usage

	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`
	StructuredOutput  any                `json:"structured_output,omitempty"`
}

// MessageType implements Message.
func (m ResultMessage) MessageType() string { return "result" }

// PermissionDenial tracks a denied permission request.
type PermissionDenial struct {
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input"`
}

// SystemMessage represents the initialization message from the CLI.
//
// This message is sent at the start of a session and contains information
// about available tools, MCP servers, models, and permissions.
type SystemMessage struct {
	Type           string          `json:"type"`           // Always "system"
	Subtype        string          `json:"subtype"`        // "init"
	UUID           string          `json:"uuid"`           // Unique message ID
	SessionID      string          `json:"session_id"`     // Session identifier
	APIKeySource   string          `json:"apiKeySource"`   // Where the API key comes from
	Cwd            string          `json:"cwd"`            // Current working directory
	Tools          []string        `json:"tools"`          // Available tools
	MCPServers     []MCPServerInfo `json:"mcp_servers"`    // MCP server status
	Model          string          `json:"model"`          // Active model
	PermissionMode PermissionMode  `json:"permissionMode"` // Current permission mode
	SlashCommands  []string        `json:"slash_commands"` // Available slash commands
}

// MessageType implements Message.
func (m SystemMessage) MessageType() string { return "system" }

// MCPServerInfo contains status information about an MCP server.
type MCPServerInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// CompactBoundaryMessage marks a context compaction boundary.
type CompactBoundaryMessage struct {
	Type            string          `json:"type"`    // Always "system"
	Subtype         string          `json:"subtype"` // "compact_boundary"
	UUID            string          `json:"uuid"`
	SessionID       string          `json:"session_id"`
	CompactMetadata CompactMetadata `json:"compact_metadata"`
}

// MessageType implements Message.
func (m CompactBoundaryMessage) MessageType() string { return "system" }

// CompactMetadata contains details about a compaction event.
type CompactMetadata struct {
	Trigger   string `json:"trigger"`    // "manual" or "auto"
	PreTokens int    `json:"pre_tokens"` // Token count before compaction
}

// StreamEventMessage carries one raw Anthropic streaming event. These are
// only emitted when partial messages are enabled; see StreamAssembler for
// turning them into accumulated turn state.
type StreamEventMessage struct {
	Type            string          `json:"type"`  // Always "stream_event"
	Event           json.RawMessage `json:"event"` // Raw streaming event
	ParentToolUseID *string         `json:"parent_tool_use_id,omitempty"`
	UUID            string          `json:"uuid"`
	SessionID       string          `json:"session_id"`
}

// MessageType implements Message.
func (m StreamEventMessage) MessageType() string { return "stream_event" }

// KeepAliveMessage is a heartbeat message.
type KeepAliveMessage struct {
	Type string `json:"type"` // Always "keep_alive"
}

// MessageType implements Message.
func (m KeepAliveMessage) MessageType() string { return "keep_alive" }

// ToolProgressMessage reports tool execution progress.
type ToolProgressMessage struct {
	Type               string  `json:"type"`
	ToolUseID          string  `json:"tool_use_id"`
	ToolName           string  `json:"tool_name"`
	ParentToolUseID    *string `json:"parent_tool_use_id"`
	ElapsedTimeSeconds float64 `json:"elapsed_time_seconds"`
	UUID               string  `json:"uuid"`
	SessionID          string  `json:"session_id"`
}

// MessageType implements Message.
func (m ToolProgressMessage) MessageType() string { return "tool_progress" }

// AuthStatusMessage reports authentication status.
type AuthStatusMessage struct {
	Type             string   `json:"type"`
	IsAuthenticating bool     `json:"isAuthenticating"`
	Output           []string `json:"output"`
	Error            string   `json:"error,omitempty"`
	UUID             string   `json:"uuid"`
	SessionID        string   `json:"session_id"`
}

// MessageType implements Message.
func (m AuthStatusMessage) MessageType() string { return "auth_status" }

// UnknownMessage holds a well-formed frame whose type this package does not
// model. It is delivered to consumers rather than dropped.
type UnknownMessage struct {
	Type string
	Raw  json.RawMessage
}

// MessageType implements Message.
func (m UnknownMessage) MessageType() string { return m.Type }

// SDKControlRequest is a control_request frame. Inbound requests come from
// the CLI (hook_callback, can_use_tool, mcp_message); outbound requests
// are built by the session.
//
// The request body is kept raw and decoded on demand with Body, so an
// unexpected body shape never prevents the frame from being routed.
type SDKControlRequest struct {
	Type      string          `json:"type"`       // Always "control_request"
	RequestID string          `json:"request_id"` // Unique request ID
	Request   json.RawMessage `json:"request"`    // Body including "subtype"
}

// MessageType implements Message.
func (m SDKControlRequest) MessageType() string { return "control_request" }

// Subtype returns the body's subtype without decoding the rest of it.
func (m SDKControlRequest) Subtype() string {
	var peek struct {
		Subtype string `json:"subtype"`
	}
	_ = json.Unmarshal(m.Request, &peek)
	return peek.Subtype
}

// Body decodes the request body into its typed variant.
func (m SDKControlRequest) Body() (ControlRequestBody, error) {
	return parseControlRequestBody(m.Request)
}

// ControlRequestBody is the closed set of inbound control request bodies.
type ControlRequestBody interface {
	ControlSubtype() string
}

// HookCallbackRequest asks the SDK to run a registered hook callback.
type HookCallbackRequest struct {
	CallbackID string          `json:"callback_id"`
	Input      json.RawMessage `json:"input"`
	ToolUseID  *string         `json:"tool_use_id,omitempty"`
}

// ControlSubtype implements ControlRequestBody.
func (HookCallbackRequest) ControlSubtype() string { return "hook_callback" }

// CanUseToolRequest asks the SDK whether a tool may run.
type CanUseToolRequest struct {
	ToolName              string             `json:"tool_name"`
	Input                 json.RawMessage    `json:"input"`
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
	BlockedPath           *string            `json:"blocked_path,omitempty"`
	ToolUseID             string             `json:"tool_use_id,omitempty"`
	AgentID               string             `json:"agent_id,omitempty"`
}

// ControlSubtype implements ControlRequestBody.
func (CanUseToolRequest) ControlSubtype() string { return "can_use_tool" }

// MCPMessageRequest carries a JSON-RPC message for an in-process tool
// server. Older CLIs send it with subtype sdk_mcp_request.
type MCPMessageRequest struct {
	Subtype    string          `json:"subtype"`
	ServerName string          `json:"server_name"`
	Message    json.RawMessage `json:"message"`
}

// ControlSubtype implements ControlRequestBody.
func (r MCPMessageRequest) ControlSubtype() string { return r.Subtype }

// UnknownControlRequest is an inbound request with a subtype the SDK does
// not handle. The dispatcher answers it with an error response.
type UnknownControlRequest struct {
	Subtype string
	Raw     json.RawMessage
}

// ControlSubtype implements ControlRequestBody.
func (r UnknownControlRequest) ControlSubtype() string { return r.Subtype }

func parseControlRequestBody(data json.RawMessage) (ControlRequestBody, error) {
	var peek struct {
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("invalid control request body: %w", err)
	}

	switch peek.Subtype {
	case "hook_callback":
		var body HookCallbackRequest
		err := json.Unmarshal(data, &body)
		return body, err

	case "can_use_tool":
		var body CanUseToolRequest
		err := json.Unmarshal(data, &body)
		return body, err

	case "mcp_message", "sdk_mcp_request":
		var body MCPMessageRequest
		err := json.Unmarshal(data, &body)
		return body, err

	default:
		return UnknownControlRequest{Subtype: peek.Subtype, Raw: data}, nil
	}
}

// SDKControlResponse is a control_response frame, in either direction.
type SDKControlResponse struct {
	Type     string                 `json:"type"`     // Always "control_response"
	Response SDKControlResponseBody `json:"response"` // Nested response payload
}

// MessageType implements Message.
func (m SDKControlResponse) MessageType() string { return "control_response" }

// SDKControlResponseBody contains the actual response data. The payload is
// kept raw so the bytes written are exactly those produced by the handler.
type SDKControlResponseBody struct {
	Subtype   string          `json:"subtype"`            // "success" or "error"
	RequestID string          `json:"request_id"`         // Correlates to request
	Response  json.RawMessage `json:"response,omitempty"` // Success response data
	Error     string          `json:"error,omitempty"`    // Error message
}

// newSuccessResponse frames a success response around an already encoded
// payload.
func newSuccessResponse(requestID string, payload json.RawMessage) SDKControlResponse {
	return SDKControlResponse{
		Type: "control_response",
		Response: SDKControlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  payload,
		},
	}
}

// newErrorResponse frames an error response.
func newErrorResponse(requestID, message string) SDKControlResponse {
	return SDKControlResponse{
		Type: "control_response",
		Response: SDKControlResponseBody{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	}
}

// SDKControlCancelRequest cancels an in-flight inbound control request.
type SDKControlCancelRequest struct {
	Type      string `json:"type"`       // Always "control_cancel_request"
	RequestID string `json:"request_id"` // Request to cancel
}

// MessageType implements Message.
func (m SDKControlCancelRequest) MessageType() string { return "control_cancel_request" }

// isControlMessage reports whether msg belongs to the control domain and
// is therefore consumed by the session rather than delivered.
func isControlMessage(msg Message) bool {
	switch msg.(type) {
	case SDKControlRequest, SDKControlResponse, SDKControlCancelRequest:
		return true
	default:
		return false
	}
}

// ParseMessage parses a JSON frame into the appropriate Message type.
//
// This function inspects the "type" field to determine the concrete type.
// Frames with an unrecognized or missing type become UnknownMessage; only
// malformed JSON or a body that does not fit its declared type is an
// error.
func ParseMessage(data []byte) (Message, error) {
	var typeOnly struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(data, &typeOnly); err != nil {
		return nil, err
	}

	switch typeOnly.Type {
	case "user":
		return decodeAs[UserMessage](data)

	case "assistant":
		return decodeAs[AssistantMessage](data)

	case "result":
		return decodeAs[ResultMessage](data)

	case "system":
		if typeOnly.Subtype == "compact_boundary" {
			return decodeAs[CompactBoundaryMessage](data)
		}
		return decodeAs[SystemMessage](data)

	case "stream_event":
		return decodeAs[StreamEventMessage](data)

	case "control_request":
		return decodeAs[SDKControlRequest](data)

	case "control_response":
		return decodeAs[SDKControlResponse](data)

	case "control_cancel_request":
		return decodeAs[SDKControlCancelRequest](data)

	case "keep_alive":
		return KeepAliveMessage{Type: "keep_alive"}, nil

	case "tool_progress":
		return decodeAs[ToolProgressMessage](data)

	case "auth_status":
		return decodeAs[AuthStatusMessage](data)

	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownMessage{Type: typeOnly.Type, Raw: raw}, nil
	}
}

func decodeAs[T Message](data []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}
