package claudeagent

import (
	"context"
	"encoding/json"
)

// PermissionMode controls how tool execution permissions are handled.
type PermissionMode string

const (
	// PermissionModeDefault uses standard permission checks.
	PermissionModeDefault PermissionMode = "default"

	// PermissionModePlan is planning mode (no tool execution).
	PermissionModePlan PermissionMode = "plan"

	// PermissionModeAcceptEdits auto-approves file operations.
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"

	// PermissionModeBypassAll skips all permission checks.
	PermissionModeBypassAll PermissionMode = "bypassPermissions"
)

// CanUseToolFunc is a callback invoked before tool execution.
//
// Return PermissionAllow{} to proceed or PermissionDeny{Reason: "..."} to
// block. An error is reported to the CLI as an error response.
type CanUseToolFunc func(ctx context.Context, req ToolPermissionRequest) (PermissionResult, error)

// ToolPermissionRequest contains details about a tool execution request.
type ToolPermissionRequest struct {
	ToolName    string             // Tool identifier (e.g., "Bash", "mcp__calc__add")
	Input       json.RawMessage    // Tool arguments as JSON
	Suggestions []PermissionUpdate // Rule updates the CLI proposes
	BlockedPath string             // Path that triggered the check, if any
	ToolUseID   string
	AgentID     string
	SessionID   string
}

// TypedInput decodes Input by tool name; see ParseToolInput.
func (r ToolPermissionRequest) TypedInput() (any, error) {
	return ParseToolInput(r.ToolName, r.Input)
}

// PermissionResult is the outcome of a permission check.
type PermissionResult interface {
	IsAllow() bool
}

// PermissionAllow indicates permission granted.
type PermissionAllow struct {
	// UpdatedInput replaces the tool input. Nil keeps the original input.
	UpdatedInput json.RawMessage

	// UpdatedPermissions are rule changes to apply alongside the decision.
	UpdatedPermissions []PermissionUpdate
}

// IsAllow implements PermissionResult.
func (PermissionAllow) IsAllow() bool { return true }

// PermissionDeny indicates permission denied.
type PermissionDeny struct {
	Reason string

	// Interrupt stops the whole turn instead of letting Claude try
	// something else.
	Interrupt bool
}

// IsAllow implements PermissionResult.
func (PermissionDeny) IsAllow() bool { return false }

// PermissionUpdate represents an operation for updating permissions.
type PermissionUpdate struct {
	Type        string             `json:"type"` // "addRules", "replaceRules", "removeRules", "setMode", "addDirectories", "removeDirectories"
	Rules       []PermissionRule   `json:"rules,omitempty"`
	Behavior    PermissionBehavior `json:"behavior,omitempty"`
	Destination string             `json:"destination,omitempty"` // "userSettings", "projectSettings", "localSettings", "session"
	Mode        PermissionMode     `json:"mode,omitempty"`
	Directories []string           `json:"directories,omitempty"`
}

// PermissionRule represents a permission rule value.
type PermissionRule struct {
	ToolName    string `json:"toolName"`
	RuleContent string `json:"ruleContent,omitempty"`
}

// PermissionBehavior controls permission behavior for rules.
type PermissionBehavior string

const (
	// PermissionBehaviorAllow allows the action.
	PermissionBehaviorAllow PermissionBehavior = "allow"
	// PermissionBehaviorDeny denies the action.
	PermissionBehaviorDeny PermissionBehavior = "deny"
	// PermissionBehaviorAsk prompts the user.
	PermissionBehaviorAsk PermissionBehavior = "ask"
)

// permissionResponse is the wire form of a can_use_tool answer.
type permissionResponse struct {
	Behavior           string             `json:"behavior"`
	UpdatedInput       json.RawMessage    `json:"updatedInput,omitempty"`
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`
	Message            string             `json:"message,omitempty"`
	Interrupt          bool               `json:"interrupt,omitempty"`
	ToolUseID          string             `json:"toolUseID,omitempty"`
}

// encodePermissionResult converts a decision into the CLI's format. An
// allow always carries updatedInput, defaulting to the original input.
func encodePermissionResult(
	req ToolPermissionRequest,
	result PermissionResult,
) permissionResponse {
	switch r := result.(type) {
	case PermissionDeny:
		return permissionResponse{
			Behavior:  "deny",
			Message:   r.Reason,
			Interrupt: r.Interrupt,
			ToolUseID: req.ToolUseID,
		}

	case *PermissionDeny:
		if r == nil {
			return encodePermissionResult(req, PermissionDeny{})
		}
		return encodePermissionResult(req, *r)

	case *PermissionAllow:
		if r == nil {
			return encodePermissionResult(req, PermissionAllow{})
		}
		return encodePermissionResult(req, *r)
	}

	resp := permissionResponse{
		Behavior:     "allow",
		UpdatedInput: req.Input,
		ToolUseID:    req.ToolUseID,
	}
	if allow, ok := result.(PermissionAllow); ok {
		if len(allow.UpdatedInput) > 0 {
			resp.UpdatedInput = allow.UpdatedInput
		}
		resp.UpdatedPermissions = allow.UpdatedPermissions
	}
	if len(resp.UpdatedInput) == 0 {
		resp.UpdatedInput = json.RawMessage("{}")
	}
	if result != nil && !result.IsAllow() {
		resp = permissionResponse{
			Behavior:  "deny",
			ToolUseID: req.ToolUseID,
		}
	}
	return resp
}
