package claudeagent

import (
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

const (
	// DefaultControlTimeout bounds outbound control requests.
	DefaultControlTimeout = 30 * time.Second

	// DefaultInitializeTimeout bounds the initialize handshake.
	DefaultInitializeTimeout = 60 * time.Second

	// DefaultCallbackTimeout bounds can_use_tool and mcp_message handlers.
	DefaultCallbackTimeout = 60 * time.Second

	// DefaultCLIPath is the executable used when none is configured.
	DefaultCLIPath = "claude"
)

// Options holds configuration for a session.
//
// Options are provided via functional options passed to NewClient or
// NewSession. All fields have defaults and can be selectively overridden.
type Options struct {
	// CLIPath is the CLI executable. Default: "claude" resolved on PATH.
	CLIPath string

	// Args are appended after the stream-json protocol flags.
	Args []string

	// RawCommand, when set, is executed exactly as given and CLIPath,
	// Args, Model, PermissionMode and IncludePartialMessages are ignored.
	RawCommand *Command

	// Cwd is the working directory for the CLI.
	Cwd string

	// Env holds extra environment variables for the CLI subprocess.
	Env map[string]string

	// Model selects the Claude model.
	Model string

	// PermissionMode controls tool execution permissions.
	PermissionMode PermissionMode

	// SystemPrompt and AppendSystemPrompt are sent with initialize.
	SystemPrompt       string
	AppendSystemPrompt string

	// Agents defines subagents sent with initialize.
	Agents map[string]AgentDefinition

	// MaxBufferSize bounds one stdout frame. Default: 1 MiB.
	MaxBufferSize int

	// ControlTimeout bounds outbound control requests.
	ControlTimeout time.Duration

	// InitializeTimeout bounds the initialize handshake.
	InitializeTimeout time.Duration

	// CallbackTimeout bounds can_use_tool and mcp_message handlers. Hook
	// callbacks use their matcher's timeout.
	CallbackTimeout time.Duration

	// CanUseTool is invoked for can_use_tool requests. Nil allows every
	// tool with its original input.
	CanUseTool CanUseToolFunc

	// Hooks register lifecycle callbacks by event.
	Hooks map[HookType][]HookMatcher

	// SDKMcpServers are in-process MCP servers. Tool calls to these
	// servers are routed through the control channel.
	SDKMcpServers map[string]*McpServer

	// Mark3McpServers are in-process servers built with mark3labs/mcp-go.
	Mark3McpServers map[string]*server.MCPServer

	// IncludePartialMessages asks the CLI for stream_event messages.
	IncludePartialMessages bool

	// Stderr receives each line the CLI writes to stderr.
	Stderr func(line string)

	// Logger receives the SDK's own diagnostics. Default: disabled.
	Logger zerolog.Logger
}

// AgentDefinition defines a specialized subagent.
type AgentDefinition struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// Option is a functional option for configuring a session.
type Option func(*Options)

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		CLIPath:           DefaultCLIPath,
		PermissionMode:    PermissionModeDefault,
		Env:               make(map[string]string),
		MaxBufferSize:     DefaultMaxBufferSize,
		ControlTimeout:    DefaultControlTimeout,
		InitializeTimeout: DefaultInitializeTimeout,
		CallbackTimeout:   DefaultCallbackTimeout,
		Hooks:             make(map[HookType][]HookMatcher),
		SDKMcpServers:     make(map[string]*McpServer),
		Mark3McpServers:   make(map[string]*server.MCPServer),
		Logger:            zerolog.Nop(),
	}
}

// NewOptions applies opts over DefaultOptions and validates the result.
func NewOptions(opts ...Option) (*Options, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if err := validateOptions(&options); err != nil {
		return nil, err
	}
	return &options, nil
}

// Command returns the ready-to-exec CLI command.
func (o *Options) Command() Command {
	if o.RawCommand != nil {
		return *o.RawCommand
	}

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.PermissionMode != "" && o.PermissionMode != PermissionModeDefault {
		args = append(args, "--permission-mode", string(o.PermissionMode))
	}
	if o.CanUseTool != nil {
		args = append(args, "--permission-prompt-tool", "stdio")
	}
	if o.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	args = append(args, o.Args...)

	path := o.CLIPath
	if path == "" {
		path = DefaultCLIPath
	}

	return Command{
		Path: path,
		Args: args,
		Env:  o.Env,
		Cwd:  o.Cwd,
	}
}

// needsOpenInput reports whether stdin must stay open until the first
// result so the CLI can still send control requests.
func (o *Options) needsOpenInput() bool {
	return len(o.Hooks) > 0 || len(o.SDKMcpServers) > 0 ||
		len(o.Mark3McpServers) > 0 || o.CanUseTool != nil
}

// validateOptions checks for invalid or conflicting values.
func validateOptions(o *Options) error {
	if o.RawCommand != nil && o.RawCommand.Path == "" {
		return &ErrInvalidConfiguration{
			Field:  "RawCommand",
			Reason: "path must not be empty",
		}
	}
	if o.MaxBufferSize < 0 {
		return &ErrInvalidConfiguration{
			Field:  "MaxBufferSize",
			Reason: "must not be negative",
		}
	}
	if o.ControlTimeout < 0 || o.InitializeTimeout < 0 || o.CallbackTimeout < 0 {
		return &ErrInvalidConfiguration{
			Field:  "Timeout",
			Reason: "must not be negative",
		}
	}

	switch o.PermissionMode {
	case "", PermissionModeDefault, PermissionModePlan,
		PermissionModeAcceptEdits, PermissionModeBypassAll:
	default:
		return &ErrInvalidConfiguration{
			Field:  "PermissionMode",
			Reason: "unknown mode " + string(o.PermissionMode),
		}
	}

	for event, matchers := range o.Hooks {
		for _, m := range matchers {
			if m.Timeout < 0 {
				return &ErrInvalidConfiguration{
					Field:  "Hooks." + string(event),
					Reason: "timeout must not be negative",
				}
			}
		}
	}

	for name := range o.SDKMcpServers {
		if _, dup := o.Mark3McpServers[name]; dup {
			return &ErrInvalidConfiguration{
				Field:  "McpServers",
				Reason: "server name " + name + " registered twice",
			}
		}
	}

	if o.MaxBufferSize == 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}
	if o.ControlTimeout == 0 {
		o.ControlTimeout = DefaultControlTimeout
	}
	if o.InitializeTimeout == 0 {
		o.InitializeTimeout = DefaultInitializeTimeout
	}
	if o.CallbackTimeout == 0 {
		o.CallbackTimeout = DefaultCallbackTimeout
	}

	return nil
}

// WithCLIPath sets the path to the CLI executable.
func WithCLIPath(path string) Option {
	return func(o *Options) {
		o.CLIPath = path
	}
}

// WithArgs appends extra CLI arguments.
func WithArgs(args ...string) Option {
	return func(o *Options) {
		o.Args = append(o.Args, args...)
	}
}

// WithCommand runs cmd exactly as given.
func WithCommand(cmd Command) Option {
	return func(o *Options) {
		o.RawCommand = &cmd
	}
}

// WithCwd sets the working directory for the CLI.
func WithCwd(cwd string) Option {
	return func(o *Options) {
		o.Cwd = cwd
	}
}

// WithEnv adds environment variables for the CLI subprocess.
func WithEnv(env map[string]string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		for k, v := range env {
			o.Env[k] = v
		}
	}
}

// WithModel specifies which Claude model to use.
func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}

// WithPermissionMode sets the permission mode for tool execution.
func WithPermissionMode(mode PermissionMode) Option {
	return func(o *Options) {
		o.PermissionMode = mode
	}
}

// WithSystemPrompt sets the system prompt sent with initialize.
func WithSystemPrompt(prompt string) Option {
	return func(o *Options) {
		o.SystemPrompt = prompt
	}
}

// WithAppendSystemPrompt appends to the default system prompt.
func WithAppendSystemPrompt(prompt string) Option {
	return func(o *Options) {
		o.AppendSystemPrompt = prompt
	}
}

// WithAgents defines subagents sent with initialize.
func WithAgents(agents map[string]AgentDefinition) Option {
	return func(o *Options) {
		o.Agents = agents
	}
}

// WithMaxBufferSize bounds a single stdout frame.
func WithMaxBufferSize(size int) Option {
	return func(o *Options) {
		o.MaxBufferSize = size
	}
}

// WithControlTimeout bounds outbound control requests.
func WithControlTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ControlTimeout = d
	}
}

// WithInitializeTimeout bounds the initialize handshake.
func WithInitializeTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.InitializeTimeout = d
	}
}

// WithCallbackTimeout bounds can_use_tool and mcp_message handlers.
func WithCallbackTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.CallbackTimeout = d
	}
}

// WithCanUseTool sets a callback for runtime permission decisions.
func WithCanUseTool(fn CanUseToolFunc) Option {
	return func(o *Options) {
		o.CanUseTool = fn
	}
}

// WithHooks registers lifecycle callbacks.
//
// Example:
//
//	WithHooks(map[HookType][]HookMatcher{
//	    HookTypePreToolUse: {
//	        {Matcher: "Bash", Hooks: []HookCallback{checkCommand}},
//	    },
//	})
func WithHooks(hooks map[HookType][]HookMatcher) Option {
	return func(o *Options) {
		if o.Hooks == nil {
			o.Hooks = make(map[HookType][]HookMatcher)
		}
		for event, matchers := range hooks {
			o.Hooks[event] = append(o.Hooks[event], matchers...)
		}
	}
}

// WithHook registers callbacks for a single event and matcher.
func WithHook(event HookType, matcher string, hooks ...HookCallback) Option {
	return WithHooks(map[HookType][]HookMatcher{
		event: {{Matcher: matcher, Hooks: hooks}},
	})
}

// WithMcpServer adds an in-process MCP server.
//
// Example:
//
//	server := claudeagent.CreateMcpServer(claudeagent.McpServerOptions{
//	    Name: "calculator",
//	})
//	claudeagent.AddTool(server, claudeagent.ToolDef{
//	    Name:        "add",
//	    Description: "Add two numbers",
//	}, addHandler)
//
//	client, _ := claudeagent.NewClient(
//	    claudeagent.WithMcpServer("calculator", server),
//	)
func WithMcpServer(name string, srv *McpServer) Option {
	return func(o *Options) {
		if o.SDKMcpServers == nil {
			o.SDKMcpServers = make(map[string]*McpServer)
		}
		o.SDKMcpServers[name] = srv
	}
}

// WithMark3MCPServer adds an in-process server built with
// github.com/mark3labs/mcp-go. Its HandleMessage answers every
// mcp_message addressed to name.
func WithMark3MCPServer(name string, srv *server.MCPServer) Option {
	return func(o *Options) {
		if o.Mark3McpServers == nil {
			o.Mark3McpServers = make(map[string]*server.MCPServer)
		}
		o.Mark3McpServers[name] = srv
	}
}

// WithIncludePartialMessages asks the CLI for stream_event messages.
func WithIncludePartialMessages(include bool) Option {
	return func(o *Options) {
		o.IncludePartialMessages = include
	}
}

// WithStderr sets a callback for stderr output from the CLI.
func WithStderr(callback func(line string)) Option {
	return func(o *Options) {
		o.Stderr = callback
	}
}

// WithLogger sets the logger for SDK diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
