package claudeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// DefaultHookTimeout applies to a matcher that sets no timeout.
	DefaultHookTimeout = 60 * time.Second

	// MinHookTimeout is the floor applied to every matcher timeout.
	MinHookTimeout = time.Second
)

// HookType identifies a lifecycle event.
type HookType string

const (
	// HookTypePreToolUse fires before tool execution.
	HookTypePreToolUse HookType = "PreToolUse"

	// HookTypePostToolUse fires after tool execution.
	HookTypePostToolUse HookType = "PostToolUse"

	// HookTypePostToolUseFailure fires when tool execution fails.
	HookTypePostToolUseFailure HookType = "PostToolUseFailure"

	// HookTypeNotification fires when Claude sends notifications.
	HookTypeNotification HookType = "Notification"

	// HookTypeUserPromptSubmit fires when a user message is submitted.
	HookTypeUserPromptSubmit HookType = "UserPromptSubmit"

	// HookTypeSessionStart fires when a session starts.
	HookTypeSessionStart HookType = "SessionStart"

	// HookTypeSessionEnd fires when a session ends.
	HookTypeSessionEnd HookType = "SessionEnd"

	// HookTypeStop fires when a session is stopping.
	HookTypeStop HookType = "Stop"

	// HookTypeSubagentStart fires when a subagent starts.
	HookTypeSubagentStart HookType = "SubagentStart"

	// HookTypeSubagentStop fires when a subagent finishes.
	HookTypeSubagentStop HookType = "SubagentStop"

	// HookTypePreCompact fires before context compaction.
	HookTypePreCompact HookType = "PreCompact"

	// HookTypePermissionRequest fires when permission check requested.
	HookTypePermissionRequest HookType = "PermissionRequest"
)

// HookCallback is invoked when a hook event fires.
//
// The context is canceled when the CLI cancels the request or the
// matcher's timeout elapses; AbortTokenFromContext exposes the same signal
// as a pollable flag.
type HookCallback func(ctx context.Context, input HookInput) (HookResult, error)

// HookMatcher binds callbacks to the tools an event applies to.
//
// Each callback in Hooks is registered with the CLI individually and the
// CLI invokes them in list order. Use ChainHooks to run several callbacks
// as one with short-circuiting.
type HookMatcher struct {
	// Matcher is a tool name pattern such as "Bash" or "Write|Edit".
	// Empty matches every tool.
	Matcher string

	// Hooks are the callbacks run for matching events.
	Hooks []HookCallback

	// Timeout bounds each callback. Zero means DefaultHookTimeout; values
	// below MinHookTimeout are raised to it.
	Timeout time.Duration
}

func (m HookMatcher) effectiveTimeout() time.Duration {
	switch {
	case m.Timeout == 0:
		return DefaultHookTimeout
	case m.Timeout < MinHookTimeout:
		return MinHookTimeout
	default:
		return m.Timeout
	}
}

// HookResult is the outcome of a hook callback. Zero fields are omitted
// from the encoded response.
type HookResult struct {
	// Continue, when set to false, stops the agent after this hook.
	Continue *bool `json:"continue,omitempty"`

	SuppressOutput bool   `json:"suppressOutput,omitempty"`
	StopReason     string `json:"stopReason,omitempty"`

	// Decision is "approve" or "block".
	Decision      string `json:"decision,omitempty"`
	SystemMessage string `json:"systemMessage,omitempty"`
	Reason        string `json:"reason,omitempty"`

	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// HookSpecificOutput carries event-specific fields of a hook result.
type HookSpecificOutput struct {
	HookEventName string `json:"hookEventName,omitempty"`

	// PermissionDecision is "allow", "deny" or "ask" (PreToolUse).
	PermissionDecision       string          `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string          `json:"permissionDecisionReason,omitempty"`
	UpdatedInput             json.RawMessage `json:"updatedInput,omitempty"`

	// AdditionalContext is appended to the model context (PostToolUse,
	// UserPromptSubmit, SessionStart).
	AdditionalContext string `json:"additionalContext,omitempty"`
}

// Ptr returns a pointer to v, for optional fields such as
// HookResult.Continue.
func Ptr[T any](v T) *T {
	return &v
}

// stops reports whether r ends a hook chain.
func (r HookResult) stops() bool {
	if r.Decision == "block" {
		return true
	}
	if r.Continue != nil && !*r.Continue {
		return true
	}
	return r.HookSpecificOutput != nil &&
		r.HookSpecificOutput.PermissionDecision == "deny"
}

// ChainHooks runs callbacks in order as a single callback.
//
// The chain stops at the first error or at the first result that blocks,
// sets Continue to false, or denies permission; that result is returned
// as is. Otherwise the results are merged, later non-zero fields
// overriding earlier ones.
func ChainHooks(callbacks ...HookCallback) HookCallback {
	return func(ctx context.Context, input HookInput) (HookResult, error) {
		var merged HookResult
		for _, cb := range callbacks {
			if err := ctx.Err(); err != nil {
				return HookResult{}, err
			}

			result, err := cb(ctx, input)
			if err != nil {
				return HookResult{}, err
			}
			if result.stops() {
				return result, nil
			}

			merged = mergeHookResults(merged, result)
		}
		return merged, nil
	}
}

func mergeHookResults(dst, src HookResult) HookResult {
	if src.Continue != nil {
		dst.Continue = src.Continue
	}
	if src.SuppressOutput {
		dst.SuppressOutput = true
	}
	if src.StopReason != "" {
		dst.StopReason = src.StopReason
	}
	if src.Decision != "" {
		dst.Decision = src.Decision
	}
	if src.SystemMessage != "" {
		dst.SystemMessage = src.SystemMessage
	}
	if src.Reason != "" {
		dst.Reason = src.Reason
	}
	if src.HookSpecificOutput == nil {
		return dst
	}

	var out HookSpecificOutput
	if dst.HookSpecificOutput != nil {
		out = *dst.HookSpecificOutput
	}
	s := src.HookSpecificOutput
	if s.HookEventName != "" {
		out.HookEventName = s.HookEventName
	}
	if s.PermissionDecision != "" {
		out.PermissionDecision = s.PermissionDecision
	}
	if s.PermissionDecisionReason != "" {
		out.PermissionDecisionReason = s.PermissionDecisionReason
	}
	if len(s.UpdatedInput) > 0 {
		out.UpdatedInput = s.UpdatedInput
	}
	if s.AdditionalContext != "" {
		out.AdditionalContext = s.AdditionalContext
	}
	dst.HookSpecificOutput = &out

	return dst
}

// AbortToken is set when an inbound request is cancelled by the CLI or
// times out. Long-running callbacks may poll it in addition to watching
// their context.
type AbortToken struct {
	aborted atomic.Bool
}

// Abort marks the token. It is safe to call more than once.
func (a *AbortToken) Abort() {
	a.aborted.Store(true)
}

// Aborted reports whether the request was aborted.
func (a *AbortToken) Aborted() bool {
	return a.aborted.Load()
}

type abortTokenKey struct{}

func withAbortToken(ctx context.Context, token *AbortToken) context.Context {
	return context.WithValue(ctx, abortTokenKey{}, token)
}

// AbortTokenFromContext returns the token of the inbound request a
// callback is serving.
func AbortTokenFromContext(ctx context.Context) (*AbortToken, bool) {
	token, ok := ctx.Value(abortTokenKey{}).(*AbortToken)
	return token, ok
}

// SDKHookCallbackMatcher is the wire form of a matcher in the initialize
// request.
type SDKHookCallbackMatcher struct {
	Matcher         string   `json:"matcher,omitempty"`
	HookCallbackIDs []string `json:"hookCallbackIds"`
	Timeout         int      `json:"timeout,omitempty"` // Seconds
}

// hookEntry is one registered callback.
type hookEntry struct {
	id       string
	event    HookType
	callback HookCallback
	timeout  time.Duration
}

// hookRegistry maps opaque callback ids to hook callbacks. Registering
// the same function value again returns its existing id.
type hookRegistry struct {
	mu     sync.RWMutex
	next   int
	byID   map[string]hookEntry
	byFunc map[uintptr]string
}

func newHookRegistry() *hookRegistry {
	return &hookRegistry{
		byID:   make(map[string]hookEntry),
		byFunc: make(map[uintptr]string),
	}
}

// funcIdentity returns the address of the closure object behind cb. Two
// copies of the same func value share it; distinct closures do not, even
// when they come from the same function literal with different captures.
func funcIdentity(cb HookCallback) uintptr {
	return *(*uintptr)(unsafe.Pointer(&cb))
}

// register returns the id for cb, allocating hook_<n> on first sight.
func (r *hookRegistry) register(
	event HookType,
	cb HookCallback,
	timeout time.Duration,
) string {
	key := funcIdentity(cb)

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byFunc[key]; ok {
		return id
	}

	id := fmt.Sprintf("hook_%d", r.next)
	r.next++

	r.byFunc[key] = id
	r.byID[id] = hookEntry{
		id:       id,
		event:    event,
		callback: cb,
		timeout:  timeout,
	}
	return id
}

func (r *hookRegistry) lookup(id string) (hookEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byID[id]
	return entry, ok
}

func (r *hookRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// registerAll registers every matcher and returns the initialize payload
// describing them. Events are visited in sorted order so id assignment is
// deterministic.
func (r *hookRegistry) registerAll(
	hooks map[HookType][]HookMatcher,
) map[string][]SDKHookCallbackMatcher {
	if len(hooks) == 0 {
		return nil
	}

	events := make([]HookType, 0, len(hooks))
	for event := range hooks {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i] < events[j]
	})

	config := make(map[string][]SDKHookCallbackMatcher, len(hooks))
	for _, event := range events {
		for _, matcher := range hooks[event] {
			timeout := matcher.effectiveTimeout()

			ids := make([]string, 0, len(matcher.Hooks))
			for _, cb := range matcher.Hooks {
				if cb == nil {
					continue
				}
				ids = append(ids, r.register(event, cb, timeout))
			}

			config[string(event)] = append(config[string(event)],
				SDKHookCallbackMatcher{
					Matcher:         matcher.Matcher,
					HookCallbackIDs: ids,
					Timeout:         int(math.Ceil(timeout.Seconds())),
				},
			)
		}
	}

	return config
}

// HookInput is the base interface for hook inputs.
type HookInput interface {
	HookType() HookType
	Base() BaseHookInput
}

// BaseHookInput contains common fields for all hook inputs.
type BaseHookInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	Cwd            string `json:"cwd"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// PreToolUseInput contains data for PreToolUse hooks.
type PreToolUseInput struct {
	BaseHookInput
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// HookType implements HookInput.
func (PreToolUseInput) HookType() HookType { return HookTypePreToolUse }

// TypedInput decodes ToolInput by tool name; see ParseToolInput.
func (i PreToolUseInput) TypedInput() (any, error) {
	return ParseToolInput(i.ToolName, i.ToolInput)
}

// Base implements HookInput.
func (i PreToolUseInput) Base() BaseHookInput { return i.BaseHookInput }

// PostToolUseInput contains data for PostToolUse hooks.
type PostToolUseInput struct {
	BaseHookInput
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input"`
	ToolResponse json.RawMessage `json:"tool_response"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
}

// HookType implements HookInput.
func (PostToolUseInput) HookType() HookType { return HookTypePostToolUse }

// Base implements HookInput.
func (i PostToolUseInput) Base() BaseHookInput { return i.BaseHookInput }

// PostToolUseFailureInput contains data for PostToolUseFailure hooks.
type PostToolUseFailureInput struct {
	BaseHookInput
	ToolName    string          `json:"tool_name"`
	ToolInput   json.RawMessage `json:"tool_input"`
	Error       string          `json:"error"`
	IsInterrupt bool            `json:"is_interrupt,omitempty"`
}

// HookType implements HookInput.
func (PostToolUseFailureInput) HookType() HookType { return HookTypePostToolUseFailure }

// Base implements HookInput.
func (i PostToolUseFailureInput) Base() BaseHookInput { return i.BaseHookInput }

// NotificationInput contains data for Notification hooks.
type NotificationInput struct {
	BaseHookInput
	Message string `json:"message"`
	Title   string `json:"title,omitempty"`
}

// HookType implements HookInput.
func (NotificationInput) HookType() HookType { return HookTypeNotification }

// Base implements HookInput.
func (i NotificationInput) Base() BaseHookInput { return i.BaseHookInput }

// UserPromptSubmitInput contains data for UserPromptSubmit hooks.
type UserPromptSubmitInput struct {
	BaseHookInput
	Prompt string `json:"prompt"`
}

// HookType implements HookInput.
func (UserPromptSubmitInput) HookType() HookType { return HookTypeUserPromptSubmit }

// Base implements HookInput.
func (i UserPromptSubmitInput) Base() BaseHookInput { return i.BaseHookInput }

// SessionStartInput contains data for SessionStart hooks.
type SessionStartInput struct {
	BaseHookInput
	Source string `json:"source"` // "startup", "resume", "clear", or "compact"
}

// HookType implements HookInput.
func (SessionStartInput) HookType() HookType { return HookTypeSessionStart }

// Base implements HookInput.
func (i SessionStartInput) Base() BaseHookInput { return i.BaseHookInput }

// SessionEndInput contains data for SessionEnd hooks.
type SessionEndInput struct {
	BaseHookInput
	Reason string `json:"reason"`
}

// HookType implements HookInput.
func (SessionEndInput) HookType() HookType { return HookTypeSessionEnd }

// Base implements HookInput.
func (i SessionEndInput) Base() BaseHookInput { return i.BaseHookInput }

// StopInput contains data for Stop hooks.
type StopInput struct {
	BaseHookInput
	StopHookActive bool `json:"stop_hook_active,omitempty"`
}

// HookType implements HookInput.
func (StopInput) HookType() HookType { return HookTypeStop }

// Base implements HookInput.
func (i StopInput) Base() BaseHookInput { return i.BaseHookInput }

// SubagentStartInput contains data for SubagentStart hooks.
type SubagentStartInput struct {
	BaseHookInput
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
}

// HookType implements HookInput.
func (SubagentStartInput) HookType() HookType { return HookTypeSubagentStart }

// Base implements HookInput.
func (i SubagentStartInput) Base() BaseHookInput { return i.BaseHookInput }

// SubagentStopInput contains data for SubagentStop hooks.
type SubagentStopInput struct {
	BaseHookInput
	AgentID        string `json:"agent_id,omitempty"`
	StopHookActive bool   `json:"stop_hook_active,omitempty"`
}

// HookType implements HookInput.
func (SubagentStopInput) HookType() HookType { return HookTypeSubagentStop }

// Base implements HookInput.
func (i SubagentStopInput) Base() BaseHookInput { return i.BaseHookInput }

// PreCompactInput contains data for PreCompact hooks.
type PreCompactInput struct {
	BaseHookInput
	Trigger            string  `json:"trigger"` // "manual" or "auto"
	CustomInstructions *string `json:"custom_instructions,omitempty"`
}

// HookType implements HookInput.
func (PreCompactInput) HookType() HookType { return HookTypePreCompact }

// Base implements HookInput.
func (i PreCompactInput) Base() BaseHookInput { return i.BaseHookInput }

// PermissionRequestInput contains data for PermissionRequest hooks.
type PermissionRequestInput struct {
	BaseHookInput
	ToolName              string             `json:"tool_name"`
	ToolInput             json.RawMessage    `json:"tool_input"`
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// HookType implements HookInput.
func (PermissionRequestInput) HookType() HookType { return HookTypePermissionRequest }

// Base implements HookInput.
func (i PermissionRequestInput) Base() BaseHookInput { return i.BaseHookInput }

// UnknownHookInput is delivered for an event this package does not model,
// including an input with no hook_event_name at all.
type UnknownHookInput struct {
	BaseHookInput
	EventName string
	Raw       json.RawMessage
}

// HookType implements HookInput.
func (i UnknownHookInput) HookType() HookType { return HookType(i.EventName) }

// Base implements HookInput.
func (i UnknownHookInput) Base() BaseHookInput { return i.BaseHookInput }

// decodeHookInput selects the input variant by hook_event_name.
func decodeHookInput(raw json.RawMessage) (HookInput, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return UnknownHookInput{Raw: raw}, nil
	}

	var peek struct {
		HookEventName string `json:"hook_event_name"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, fmt.Errorf("invalid hook input: %w", err)
	}

	switch HookType(peek.HookEventName) {
	case HookTypePreToolUse:
		return decodeHookAs[PreToolUseInput](raw)
	case HookTypePostToolUse:
		return decodeHookAs[PostToolUseInput](raw)
	case HookTypePostToolUseFailure:
		return decodeHookAs[PostToolUseFailureInput](raw)
	case HookTypeNotification:
		return decodeHookAs[NotificationInput](raw)
	case HookTypeUserPromptSubmit:
		return decodeHookAs[UserPromptSubmitInput](raw)
	case HookTypeSessionStart:
		return decodeHookAs[SessionStartInput](raw)
	case HookTypeSessionEnd:
		return decodeHookAs[SessionEndInput](raw)
	case HookTypeStop:
		return decodeHookAs[StopInput](raw)
	case HookTypeSubagentStart:
		return decodeHookAs[SubagentStartInput](raw)
	case HookTypeSubagentStop:
		return decodeHookAs[SubagentStopInput](raw)
	case HookTypePreCompact:
		return decodeHookAs[PreCompactInput](raw)
	case HookTypePermissionRequest:
		return decodeHookAs[PermissionRequestInput](raw)
	}

	unknown := UnknownHookInput{
		EventName: peek.HookEventName,
		Raw:       raw,
	}
	if err := json.Unmarshal(raw, &unknown.BaseHookInput); err != nil {
		return nil, fmt.Errorf("invalid hook input: %w", err)
	}
	return unknown, nil
}

func decodeHookAs[T HookInput](raw json.RawMessage) (HookInput, error) {
	var input T
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("invalid %s hook input: %w",
			input.HookType(), err)
	}
	return input, nil
}
