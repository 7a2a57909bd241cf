package claudeagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// cancelledMessage is the error sent when the CLI cancels a request.
const cancelledMessage = "request cancelled"

// inflightRequest is one inbound control request being served.
type inflightRequest struct {
	kind    string
	token   *AbortToken
	cancel  context.CancelFunc
	timeout time.Duration
}

// handlerResult is what a handler goroutine produces.
type handlerResult struct {
	payload json.RawMessage
	err     error
}

// dispatcher serves inbound control requests from the CLI.
//
// Each request runs on its own goroutine so a slow callback never stalls
// the reader. Every request gets exactly one response: its result, a
// timeout error, or the cancellation acknowledgement, whichever removes
// the in-flight entry first.
type dispatcher struct {
	log             zerolog.Logger
	writer          frameWriter
	hooks           *hookRegistry
	canUseTool      CanUseToolFunc
	mcp             *mcpRouter
	callbackTimeout time.Duration
	sessionID       func() string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closing    atomic.Bool
	wg         sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*inflightRequest
}

type dispatcherConfig struct {
	log             zerolog.Logger
	writer          frameWriter
	hooks           *hookRegistry
	canUseTool      CanUseToolFunc
	mcp             *mcpRouter
	callbackTimeout time.Duration
	sessionID       func() string
}

func newDispatcher(cfg dispatcherConfig) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.hooks == nil {
		cfg.hooks = newHookRegistry()
	}
	if cfg.mcp == nil {
		cfg.mcp = newMCPRouter()
	}
	if cfg.callbackTimeout <= 0 {
		cfg.callbackTimeout = DefaultCallbackTimeout
	}
	if cfg.sessionID == nil {
		cfg.sessionID = func() string { return "" }
	}

	return &dispatcher{
		log:             cfg.log.With().Str("component", "dispatcher").Logger(),
		writer:          cfg.writer,
		hooks:           cfg.hooks,
		canUseTool:      cfg.canUseTool,
		mcp:             cfg.mcp,
		callbackTimeout: cfg.callbackTimeout,
		sessionID:       cfg.sessionID,
		baseCtx:         ctx,
		baseCancel:      cancel,
		inflight:        make(map[string]*inflightRequest),
	}
}

// dispatch starts serving req. It is called on the reader path and
// registers the in-flight entry before returning, so a cancel frame read
// afterwards always finds it.
func (d *dispatcher) dispatch(req SDKControlRequest) {
	if d.closing.Load() {
		return
	}

	log := d.log.With().Str("request_id", req.RequestID).Logger()

	body, err := req.Body()
	if err != nil {
		log.Warn().Err(err).Msg("malformed control request")
		d.respondAsync(newErrorResponse(req.RequestID, err.Error()))
		return
	}

	timeout := d.callbackTimeout
	if hook, ok := body.(HookCallbackRequest); ok {
		if entry, found := d.hooks.lookup(hook.CallbackID); found {
			timeout = entry.timeout
		}
	}

	ctx, cancel := context.WithTimeout(d.baseCtx, timeout)
	token := &AbortToken{}
	ctx = withAbortToken(ctx, token)

	entry := &inflightRequest{
		kind:    body.ControlSubtype(),
		token:   token,
		cancel:  cancel,
		timeout: timeout,
	}

	d.mu.Lock()
	if _, dup := d.inflight[req.RequestID]; dup {
		d.mu.Unlock()
		cancel()
		log.Warn().Msg("ignoring control request with duplicate id")
		return
	}
	d.inflight[req.RequestID] = entry
	d.mu.Unlock()

	log.Debug().Str("subtype", entry.kind).Msg("dispatching control request")

	d.wg.Add(1)
	go d.serve(ctx, req.RequestID, entry, body)
}

// serve runs the handler and settles the request.
func (d *dispatcher) serve(
	ctx context.Context,
	requestID string,
	entry *inflightRequest,
	body ControlRequestBody,
) {
	defer d.wg.Done()
	defer entry.cancel()

	// The handler runs on its own goroutine so a callback that ignores
	// its context can be abandoned when the request is cancelled or
	// times out.
	results := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().
					Str("request_id", requestID).
					Str("subtype", entry.kind).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("control request callback panicked")
				results <- handlerResult{
					err: fmt.Errorf("callback panicked: %v", r),
				}
			}
		}()

		payload, err := d.handle(ctx, body)
		results <- handlerResult{payload: payload, err: err}
	}()

	var resp SDKControlResponse
	select {
	case res := <-results:
		if res.err != nil {
			resp = newErrorResponse(requestID, res.err.Error())
		} else {
			resp = newSuccessResponse(requestID, res.payload)
		}

	case <-ctx.Done():
		entry.token.Abort()
		if d.closing.Load() {
			d.remove(requestID, entry)
			return
		}

		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Cancelled by the CLI; the acknowledgement was sent
			// by cancel.
			return
		}

		d.log.Warn().
			Str("request_id", requestID).
			Str("subtype", entry.kind).
			Dur("timeout", entry.timeout).
			Msg("control request callback timed out")

		msg := fmt.Sprintf("control request timed out after %v", entry.timeout)
		if entry.kind == "hook_callback" {
			msg = fmt.Sprintf("hook callback timed out after %v", entry.timeout)
		}
		resp = newErrorResponse(requestID, msg)
	}

	if !d.remove(requestID, entry) {
		d.log.Debug().
			Str("request_id", requestID).
			Msg("discarding result of cancelled request")
		return
	}

	d.respond(resp)
}

// remove deletes the in-flight entry if it is still entry. It reports
// false when a cancel already claimed it.
func (d *dispatcher) remove(requestID string, entry *inflightRequest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.inflight[requestID]; !ok || current != entry {
		return false
	}
	delete(d.inflight, requestID)
	return true
}

// cancel handles control_cancel_request. The in-flight execution is
// aborted and exactly one acknowledgement is written; its eventual result
// is discarded.
func (d *dispatcher) cancel(requestID string) {
	d.mu.Lock()
	entry, ok := d.inflight[requestID]
	if ok {
		delete(d.inflight, requestID)
	}
	d.mu.Unlock()

	if !ok {
		d.log.Debug().
			Str("request_id", requestID).
			Msg("cancel for unknown or completed request")
		return
	}

	entry.token.Abort()
	entry.cancel()

	d.log.Debug().
		Str("request_id", requestID).
		Str("subtype", entry.kind).
		Msg("control request cancelled")

	d.respondAsync(newErrorResponse(requestID, cancelledMessage))
}

func (d *dispatcher) respond(resp SDKControlResponse) {
	if d.closing.Load() {
		return
	}
	if err := d.writer.Write(d.baseCtx, resp); err != nil {
		d.log.Error().
			Err(err).
			Str("request_id", resp.Response.RequestID).
			Msg("failed to write control response")
	}
}

// respondAsync writes off the reader path.
func (d *dispatcher) respondAsync(resp SDKControlResponse) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.respond(resp)
	}()
}

// inflightCount is used by tests to observe cleanup.
func (d *dispatcher) inflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// close aborts every in-flight request without responding and waits for
// the serving goroutines. Abandoned handlers are not waited for.
func (d *dispatcher) close() {
	if !d.closing.CompareAndSwap(false, true) {
		return
	}

	d.mu.Lock()
	for _, entry := range d.inflight {
		entry.token.Abort()
	}
	d.mu.Unlock()

	d.baseCancel()
	d.wg.Wait()
}

// handle runs the handler for body and returns the encoded payload.
func (d *dispatcher) handle(
	ctx context.Context,
	body ControlRequestBody,
) (json.RawMessage, error) {
	switch req := body.(type) {
	case HookCallbackRequest:
		return d.handleHookCallback(ctx, req)

	case CanUseToolRequest:
		return d.handleCanUseTool(ctx, req)

	case MCPMessageRequest:
		return d.mcp.route(ctx, req.ServerName, req.Message)

	default:
		return nil, fmt.Errorf("unsupported control request subtype: %s",
			body.ControlSubtype())
	}
}

func (d *dispatcher) handleHookCallback(
	ctx context.Context,
	req HookCallbackRequest,
) (json.RawMessage, error) {
	entry, ok := d.hooks.lookup(req.CallbackID)
	if !ok {
		err := &ErrCallbackNotFound{CallbackID: req.CallbackID}
		d.log.Warn().Err(err).Msg("hook callback lookup failed")
		return nil, err
	}

	input, err := decodeHookInput(req.Input)
	if err != nil {
		return nil, err
	}

	result, err := entry.callback(ctx, input)
	if err != nil {
		d.log.Warn().
			Err(&ErrHookFailed{CallbackID: req.CallbackID, Cause: err}).
			Msg("hook callback returned error")
		return nil, err
	}

	return json.Marshal(result)
}

func (d *dispatcher) handleCanUseTool(
	ctx context.Context,
	req CanUseToolRequest,
) (json.RawMessage, error) {
	permReq := ToolPermissionRequest{
		ToolName:    req.ToolName,
		Input:       req.Input,
		Suggestions: req.PermissionSuggestions,
		ToolUseID:   req.ToolUseID,
		AgentID:     req.AgentID,
		SessionID:   d.sessionID(),
	}
	if req.BlockedPath != nil {
		permReq.BlockedPath = *req.BlockedPath
	}

	var result PermissionResult = PermissionAllow{}
	if d.canUseTool != nil {
		var err error
		result, err = d.canUseTool(ctx, permReq)
		if err != nil {
			return nil, err
		}
	}

	return json.Marshal(encodePermissionResult(permReq, result))
}
