package claudeagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
)

// queueItem is one element of the content stream.
type queueItem struct {
	msg Message
	err error
}

// messageQueue is an unbounded FIFO between the router loop and content
// consumers. The router never blocks on a slow consumer, so control
// traffic keeps flowing while content waits.
type messageQueue struct {
	mu     sync.Mutex
	items  []queueItem
	closed bool
	err    error
	notify chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{notify: make(chan struct{}, 1)}
}

func (q *messageQueue) push(item queueItem) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.signal()
}

// close ends the stream; err, if non-nil, is yielded after the queued
// items.
func (q *messageQueue) close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	q.mu.Unlock()

	q.signal()
}

func (q *messageQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the next item. ok is false once the queue is closed and
// drained, in which case err is the terminal error.
func (q *messageQueue) pop(ctx context.Context) (item queueItem, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			q.items[0] = queueItem{}
			q.items = q.items[1:]
			more := len(q.items) > 0 || q.closed
			q.mu.Unlock()

			// Pass the wakeup on so other consumers see the rest.
			if more {
				q.signal()
			}
			return item, true, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			q.signal()
			return queueItem{}, false, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return queueItem{}, false, ctx.Err()
		}
	}
}

// InitializeResult is the CLI's answer to the initialize request.
type InitializeResult struct {
	// Commands are the available slash command names.
	Commands []string

	// Models are the model values the CLI accepts.
	Models []string

	// OutputStyle is the active output style.
	OutputStyle string

	// Raw is the full response.
	Raw map[string]any
}

func parseInitializeResult(payload json.RawMessage) InitializeResult {
	result := InitializeResult{Raw: map[string]any{}}
	if len(payload) == 0 {
		return result
	}

	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return result
	}
	result.Raw = cast.ToStringMap(raw)

	for _, c := range cast.ToSlice(result.Raw["commands"]) {
		if name := cast.ToString(cast.ToStringMap(c)["name"]); name != "" {
			result.Commands = append(result.Commands, name)
		}
	}
	for _, m := range cast.ToSlice(result.Raw["models"]) {
		if value := cast.ToString(cast.ToStringMap(m)["value"]); value != "" {
			result.Models = append(result.Models, value)
		}
	}
	result.OutputStyle = cast.ToString(result.Raw["output_style"])

	return result
}

// initializeRequest is the payload of the initialize control request.
type initializeRequest struct {
	Hooks              map[string][]SDKHookCallbackMatcher `json:"hooks,omitempty"`
	SDKMcpServers      []string                            `json:"sdkMcpServers,omitempty"`
	SystemPrompt       string                              `json:"systemPrompt,omitempty"`
	AppendSystemPrompt string                              `json:"appendSystemPrompt,omitempty"`
	Agents             map[string]AgentDefinition          `json:"agents,omitempty"`
}

// McpServerStatus is one entry of the mcp_status response.
type McpServerStatus struct {
	Name   string
	Status string
}

// Session drives one CLI subprocess over the control protocol.
//
// A single router goroutine reads every frame. Content messages are queued
// for Messages in read order; control responses resolve waiting
// SendControlRequest calls; inbound control requests are served on their
// own goroutines and answered when they complete, so answers may be
// written in a different order than the requests arrived.
type Session struct {
	id      string
	options *Options
	log     zerolog.Logger

	transport  *SubprocessTransport
	tracker    *requestTracker
	hooks      *hookRegistry
	mcp        *mcpRouter
	dispatcher *dispatcher
	queue      *messageQueue

	cliSessionID atomic.Value // string
	initMu       sync.Mutex
	initResult   InitializeResult

	started    atomic.Bool
	closing    atomic.Bool
	inputEnded atomic.Bool
	loopDone   chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session that will run the CLI through runner. A nil
// runner runs the CLI as a local process.
func NewSession(runner SubprocessRunner, opts ...Option) (*Session, error) {
	options, err := NewOptions(opts...)
	if err != nil {
		return nil, err
	}
	return newSession(runner, options), nil
}

func newSession(runner SubprocessRunner, shared *Options) *Session {
	options := *shared

	if runner == nil {
		runner = NewLocalSubprocessRunner()
	}

	id := uuid.NewString()
	log := options.Logger.With().Str("session", id).Logger()
	options.Logger = log

	s := &Session{
		id:        id,
		options:   &options,
		log:       log,
		transport: NewSubprocessTransportWithRunner(runner, &options),
		tracker:   newRequestTracker(log),
		hooks:     newHookRegistry(),
		mcp:       newMCPRouter(),
		queue:     newMessageQueue(),
		loopDone:  make(chan struct{}),
	}
	s.cliSessionID.Store("")

	for name, srv := range options.SDKMcpServers {
		s.mcp.add(name, srv)
	}
	for name, srv := range options.Mark3McpServers {
		s.mcp.add(name, mark3Server{srv: srv})
	}

	s.dispatcher = newDispatcher(dispatcherConfig{
		log:             log,
		writer:          s.transport,
		hooks:           s.hooks,
		canUseTool:      options.CanUseTool,
		mcp:             s.mcp,
		callbackTimeout: options.CallbackTimeout,
		sessionID:       s.CLISessionID,
	})

	return s
}

// ID returns the SDK-side identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// CLISessionID returns the session id reported by the CLI, or "" before
// the init message arrives.
func (s *Session) CLISessionID() string {
	id, _ := s.cliSessionID.Load().(string)
	return id
}

// Start spawns the CLI, starts the router and performs the initialize
// handshake. An initialize failure is fatal: the session is closed and the
// error returned.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return &ErrProtocolViolation{Message: "session already started"}
	}

	if err := s.transport.Connect(ctx); err != nil {
		close(s.loopDone)
		s.queue.close(err)
		return err
	}

	go s.route()

	req := initializeRequest{
		Hooks:              s.hooks.registerAll(s.options.Hooks),
		SDKMcpServers:      s.mcpServerNames(),
		SystemPrompt:       s.options.SystemPrompt,
		AppendSystemPrompt: s.options.AppendSystemPrompt,
		Agents:             s.options.Agents,
	}

	payload, err := s.tracker.send(
		ctx, s.transport, "initialize", req, s.options.InitializeTimeout,
	)
	if err != nil {
		s.log.Error().Err(err).Msg("initialize failed")
		s.Close()
		return fmt.Errorf("initialize failed: %w", err)
	}

	result := parseInitializeResult(payload)
	s.initMu.Lock()
	s.initResult = result
	s.initMu.Unlock()

	s.log.Info().
		Int("hooks", s.hooks.len()).
		Int("commands", len(result.Commands)).
		Msg("session initialized")

	return nil
}

func (s *Session) mcpServerNames() []string {
	names := s.mcp.names()
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return names
}

// InitializeResult returns the CLI's initialize response.
func (s *Session) InitializeResult() InitializeResult {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initResult
}

// route is the single reader of the transport.
func (s *Session) route() {
	defer close(s.loopDone)

	var terminal error
	for msg, err := range s.transport.ReadMessages(context.Background()) {
		if err != nil {
			var decodeErr *ErrDecode
			if errors.As(err, &decodeErr) {
				s.log.Warn().Err(err).Msg("undecodable frame")
				s.queue.push(queueItem{err: err})
				continue
			}
			terminal = err
			break
		}

		if isControlMessage(msg) {
			s.routeControl(msg)
			continue
		}

		if m, ok := msg.(SystemMessage); ok && m.Subtype == "init" &&
			m.SessionID != "" {

			s.cliSessionID.Store(m.SessionID)
		}
		s.queue.push(queueItem{msg: msg})
	}

	if terminal == nil {
		terminal = s.transport.Err()
	}

	s.log.Debug().Err(terminal).Msg("router stopped")

	s.tracker.closeAll(terminal)
	s.dispatcher.close()

	if terminal != nil && !s.closing.Load() {
		s.queue.close(&ErrConnectionClosed{Cause: terminal})
		return
	}
	s.queue.close(nil)
}

// routeControl hands a control frame to the tracker or the dispatcher.
func (s *Session) routeControl(msg Message) {
	switch m := msg.(type) {
	case SDKControlResponse:
		s.tracker.resolve(m.Response)

	case SDKControlRequest:
		s.dispatcher.dispatch(m)

	case SDKControlCancelRequest:
		s.dispatcher.cancel(m.RequestID)
	}
}

// Messages returns the content messages in stdout read order.
//
// Undecodable frames are yielded as *ErrDecode and iteration continues.
// If the session dies the last element is *ErrConnectionClosed wrapping
// the cause; a clean exit or Close simply ends the iteration.
func (s *Session) Messages(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			item, ok, err := s.queue.pop(ctx)
			if !ok {
				if err != nil {
					yield(nil, err)
				}
				return
			}
			if !yield(item.msg, item.err) {
				return
			}
		}
	}
}

// Done is closed once the router has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.loopDone
}

// Err returns the transport's terminal error after Done is closed.
func (s *Session) Err() error {
	return s.transport.Err()
}

// SendControlRequest sends an outbound control request and waits for the
// CLI's response. A zero timeout uses the configured ControlTimeout.
func (s *Session) SendControlRequest(
	ctx context.Context,
	subtype string,
	payload any,
	timeout time.Duration,
) (json.RawMessage, error) {
	if !s.started.Load() {
		return nil, &ErrProtocolViolation{Message: "session not started"}
	}
	if timeout <= 0 {
		timeout = s.options.ControlTimeout
	}
	return s.tracker.send(ctx, s.transport, subtype, payload, timeout)
}

// SendUserMessage writes a user prompt.
func (s *Session) SendUserMessage(ctx context.Context, text string) error {
	sessionID := s.CLISessionID()
	if sessionID == "" {
		sessionID = "default"
	}

	msg := NewUserMessage(sessionID, text)
	msg.UUID = uuid.NewString()

	return s.Send(ctx, msg)
}

// Send writes an arbitrary message to the CLI.
func (s *Session) Send(ctx context.Context, msg any) error {
	return s.transport.Write(ctx, msg)
}

// EndInput half-closes the CLI's stdin. Responses and control requests
// continue to be read.
func (s *Session) EndInput(ctx context.Context) error {
	s.inputEnded.Store(true)
	return s.transport.EndInput(ctx)
}

// acceptsInput reports whether the session can still take prompts: it is
// running, its input is open and Close has not been called.
func (s *Session) acceptsInput() bool {
	select {
	case <-s.loopDone:
		return false
	default:
	}
	return !s.inputEnded.Load() && !s.closing.Load()
}

// Interrupt asks the CLI to stop the current turn.
func (s *Session) Interrupt(ctx context.Context) error {
	_, err := s.SendControlRequest(ctx, "interrupt", nil, 0)
	return err
}

// SetPermissionMode changes the permission mode mid-session.
func (s *Session) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	_, err := s.SendControlRequest(ctx, "set_permission_mode",
		map[string]any{"mode": mode}, 0)
	return err
}

// SetModel switches the model. An empty model restores the default.
func (s *Session) SetModel(ctx context.Context, model string) error {
	var value any
	if model != "" {
		value = model
	}
	_, err := s.SendControlRequest(ctx, "set_model",
		map[string]any{"model": value}, 0)
	return err
}

// RewindFiles restores files to their state at the given user message.
// File checkpointing must be enabled in the CLI.
func (s *Session) RewindFiles(ctx context.Context, userMessageID string) error {
	_, err := s.SendControlRequest(ctx, "rewind_files",
		map[string]any{"user_message_id": userMessageID}, 0)
	return err
}

// SetMaxThinkingTokens changes the extended thinking budget. Zero
// disables the limit.
func (s *Session) SetMaxThinkingTokens(ctx context.Context, tokens int) error {
	var value any
	if tokens > 0 {
		value = tokens
	}
	_, err := s.SendControlRequest(ctx, "set_max_thinking_tokens",
		map[string]any{"max_thinking_tokens": value}, 0)
	return err
}

// McpStatus reports the connection status of every MCP server.
func (s *Session) McpStatus(ctx context.Context) ([]McpServerStatus, error) {
	payload, err := s.SendControlRequest(ctx, "mcp_status", nil, 0)
	if err != nil {
		return nil, err
	}

	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid mcp_status response: %w", err)
	}

	var statuses []McpServerStatus
	for _, entry := range cast.ToSlice(cast.ToStringMap(raw)["mcpServers"]) {
		fields := cast.ToStringMap(entry)
		statuses = append(statuses, McpServerStatus{
			Name:   cast.ToString(fields["name"]),
			Status: cast.ToString(fields["status"]),
		})
	}
	return statuses, nil
}

// Close shuts the session down. In-flight inbound requests are aborted
// without a response, pending outbound requests fail with
// *ErrConnectionClosed, and the CLI is given CloseGracePeriod to exit
// before it is killed. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)

		s.dispatcher.close()
		_ = s.transport.Close()

		if s.started.Load() {
			<-s.loopDone
		}
		s.tracker.closeAll(&ErrTransportClosed{})
		s.queue.close(nil)

		s.log.Debug().Msg("session closed")
	})
	return nil
}
