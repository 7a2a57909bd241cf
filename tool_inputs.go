package claudeagent

import (
	"encoding/json"
	"fmt"
)

// Typed inputs for the built-in tools most often inspected by hooks and
// permission callbacks. Decode them with DecodeToolInput or ParseToolInput.

// BashInput is the input for the Bash tool.
type BashInput struct {
	Command         string `json:"command"`
	Timeout         *int   `json:"timeout,omitempty"`
	Description     string `json:"description,omitempty"`
	RunInBackground bool   `json:"run_in_background,omitempty"`
}

// FileEditInput is the input for the Edit tool.
type FileEditInput struct {
	FilePath   string `json:"file_path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

// FileReadInput is the input for the Read tool.
type FileReadInput struct {
	FilePath string `json:"file_path"`
	Offset   *int   `json:"offset,omitempty"`
	Limit    *int   `json:"limit,omitempty"`
}

// FileWriteInput is the input for the Write tool.
type FileWriteInput struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// GlobInput is the input for the Glob tool.
type GlobInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

// GrepInput is the input for the Grep tool.
type GrepInput struct {
	Pattern    string `json:"pattern"`
	Path       string `json:"path,omitempty"`
	Glob       string `json:"glob,omitempty"`
	OutputMode string `json:"output_mode,omitempty"` // "content", "files_with_matches", "count"
}

// WebFetchInput is the input for the WebFetch tool.
type WebFetchInput struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt"`
}

// TaskInput is the input for the Task tool (subagent invocation).
type TaskInput struct {
	Description  string `json:"description"`
	Prompt       string `json:"prompt"`
	SubagentType string `json:"subagent_type"`
}

// DecodeToolInput decodes raw tool input into T. Empty input decodes to
// the zero value.
//
// Example:
//
//	bash, err := claudeagent.DecodeToolInput[claudeagent.BashInput](pre.ToolInput)
func DecodeToolInput[T any](raw json.RawMessage) (T, error) {
	var input T
	if len(raw) == 0 {
		return input, nil
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return input, fmt.Errorf("invalid tool input: %w", err)
	}
	return input, nil
}

// ParseToolInput decodes raw input by tool name. Built-in tools with a
// typed input above return that type; any other tool, including MCP tools,
// returns map[string]any.
func ParseToolInput(toolName string, raw json.RawMessage) (any, error) {
	switch toolName {
	case "Bash":
		return DecodeToolInput[BashInput](raw)
	case "Edit":
		return DecodeToolInput[FileEditInput](raw)
	case "Read":
		return DecodeToolInput[FileReadInput](raw)
	case "Write":
		return DecodeToolInput[FileWriteInput](raw)
	case "Glob":
		return DecodeToolInput[GlobInput](raw)
	case "Grep":
		return DecodeToolInput[GrepInput](raw)
	case "WebFetch":
		return DecodeToolInput[WebFetchInput](raw)
	case "Task":
		return DecodeToolInput[TaskInput](raw)
	default:
		input, err := DecodeToolInput[map[string]any](raw)
		if input == nil && err == nil {
			input = map[string]any{}
		}
		return input, err
	}
}
