package claudeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// async runs fn on its own goroutine and returns its error.
func async(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

func waitErr(t *testing.T, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(testWait):
		t.Fatal("call never returned")
		return nil
	}
}

// sendControlRequest writes an inbound control request as the CLI would.
func (f *fakeCLI) sendControlRequest(requestID, body string) {
	f.send(SDKControlRequest{
		Type:      "control_request",
		RequestID: requestID,
		Request:   json.RawMessage(body),
	})
}

// TestSessionInitialize checks the initialize payload and the parsed
// response.
func TestSessionInitialize(t *testing.T) {
	f := newFakeCLI(t)

	session, err := NewSession(f.runner,
		WithHook(HookTypePreToolUse, "Bash", denyHook),
		WithMcpServer("calc", newCalcServer()),
		WithSystemPrompt("Be brief."),
	)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	ctx := context.Background()
	started := async(func() error { return session.Start(ctx) })

	req := f.nextRequest()
	assert.Regexp(t, `^req_1_[0-9a-f]{8}$`, req.RequestID)

	body, err := json.Marshal(req.Request)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"subtype": "initialize",
		"hooks": {
			"PreToolUse": [
				{"matcher": "Bash", "hookCallbackIds": ["hook_0"], "timeout": 60}
			]
		},
		"sdkMcpServers": ["calc"],
		"systemPrompt": "Be brief."
	}`, string(body))

	f.respond(req.RequestID, map[string]any{
		"commands": []any{map[string]any{"name": "compact"}},
		"models": []any{
			map[string]any{"value": "default"},
			map[string]any{"value": "opus"},
		},
		"output_style": "default",
	})
	require.NoError(t, waitErr(t, started))

	result := session.InitializeResult()
	assert.Equal(t, []string{"compact"}, result.Commands)
	assert.Equal(t, []string{"default", "opus"}, result.Models)
	assert.Equal(t, "default", result.OutputStyle)

	err = session.Start(ctx)
	var violation *ErrProtocolViolation
	require.ErrorAs(t, err, &violation)
}

// TestSessionInitializeFailure checks that an initialize error or timeout
// is fatal and closes the session.
func TestSessionInitializeFailure(t *testing.T) {
	t.Run("error response", func(t *testing.T) {
		f := newFakeCLI(t)
		session, err := NewSession(f.runner)
		require.NoError(t, err)

		started := async(func() error {
			return session.Start(context.Background())
		})

		req := f.nextRequest()
		f.send(newErrorResponse(req.RequestID, "invalid hook config"))

		err = waitErr(t, started)
		require.ErrorContains(t, err, "initialize failed")
		var ctrlErr *ErrControlRequest
		require.ErrorAs(t, err, &ctrlErr)
		assert.Equal(t, "invalid hook config", ctrlErr.Message)

		select {
		case <-session.Done():
		case <-time.After(testWait):
			t.Fatal("router still running")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFakeCLI(t)
		session, err := NewSession(f.runner,
			WithInitializeTimeout(50*time.Millisecond))
		require.NoError(t, err)

		started := async(func() error {
			return session.Start(context.Background())
		})
		f.nextRequest()

		err = waitErr(t, started)
		var timeoutErr *ErrTimeout
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, "initialize", timeoutErr.Subtype)

		for msg, err := range session.Messages(context.Background()) {
			t.Fatalf("unexpected element after failed start: %v %v", msg, err)
		}
	})

	t.Run("spawn failure", func(t *testing.T) {
		runner := NewMockSubprocessRunner()
		runner.StartErr = fmt.Errorf("no such file")

		session, err := NewSession(runner)
		require.NoError(t, err)

		err = session.Start(context.Background())
		var connErr *ErrConnection
		require.ErrorAs(t, err, &connErr)
		require.NoError(t, session.Close())
	})
}

// TestSessionHookRoundTrip checks the exact bytes the CLI receives for a
// hook callback.
func TestSessionHookRoundTrip(t *testing.T) {
	f := newFakeCLI(t)
	startSession(t, f, WithHook(HookTypePreToolUse, "Bash", allowHook))

	f.sendControlRequest("req_1_ab", `{"subtype":"hook_callback",`+
		`"callback_id":"hook_0","input":{"hook_event_name":"PreToolUse",`+
		`"tool_name":"Bash","tool_input":{"command":"ls"}}}`)

	assert.Equal(t,
		`{"type":"control_response","response":{"subtype":"success",`+
			`"request_id":"req_1_ab","response":{"hookSpecificOutput":`+
			`{"permissionDecision":"allow"}}}}`,
		string(f.next()),
	)
	f.expectNone(50 * time.Millisecond)
}

// TestSessionHookInput checks that the callback sees the typed input.
func TestSessionHookInput(t *testing.T) {
	seen := make(chan HookInput, 1)
	record := func(_ context.Context, input HookInput) (HookResult, error) {
		seen <- input
		return HookResult{}, nil
	}

	f := newFakeCLI(t)
	startSession(t, f, WithHook(HookTypePostToolUse, "", record))

	f.sendControlRequest("req_2_ab", `{"subtype":"hook_callback",`+
		`"callback_id":"hook_0","tool_use_id":"toolu_5",`+
		`"input":{"hook_event_name":"PostToolUse","session_id":"cli-1",`+
		`"tool_name":"Read","tool_input":{},"tool_response":"ok"}}`)

	var resp SDKControlResponse
	require.NoError(t, json.Unmarshal(f.next(), &resp))
	assert.Equal(t, "success", resp.Response.Subtype)
	assert.JSONEq(t, `{}`, string(resp.Response.Response))

	input := <-seen
	post, ok := input.(PostToolUseInput)
	require.True(t, ok)
	assert.Equal(t, "Read", post.ToolName)
	assert.Equal(t, "cli-1", post.Base().SessionID)
}

// TestSessionCancel checks the cancel flow end to end.
func TestSessionCancel(t *testing.T) {
	started := make(chan struct{})
	slow := func(ctx context.Context, _ HookInput) (HookResult, error) {
		close(started)
		<-ctx.Done()
		return HookResult{Reason: "late"}, nil
	}

	f := newFakeCLI(t)
	startSession(t, f, WithHooks(map[HookType][]HookMatcher{
		HookTypeStop: {{Hooks: []HookCallback{slow}, Timeout: 10 * time.Second}},
	}))

	f.sendControlRequest("req_9_beef",
		`{"subtype":"hook_callback","callback_id":"hook_0","input":{}}`)

	select {
	case <-started:
	case <-time.After(testWait):
		t.Fatal("hook never started")
	}

	f.send(SDKControlCancelRequest{
		Type:      "control_cancel_request",
		RequestID: "req_9_beef",
	})

	var resp SDKControlResponse
	require.NoError(t, json.Unmarshal(f.next(), &resp))
	assert.Equal(t, "error", resp.Response.Subtype)
	assert.Equal(t, "req_9_beef", resp.Response.RequestID)
	assert.Equal(t, "request cancelled", resp.Response.Error)

	f.expectNone(100 * time.Millisecond)
}

// TestSessionPermissionAndMcp checks can_use_tool and mcp_message
// requests through the router.
func TestSessionPermissionAndMcp(t *testing.T) {
	f := newFakeCLI(t)
	startSession(t, f,
		WithCanUseTool(func(_ context.Context, req ToolPermissionRequest) (PermissionResult, error) {
			if req.ToolName == "Write" {
				return PermissionDeny{Reason: "read only"}, nil
			}
			return PermissionAllow{}, nil
		}),
		WithMcpServer("calc", newCalcServer()),
	)

	f.sendControlRequest("req_1_p1", `{"subtype":"can_use_tool",`+
		`"tool_name":"Write","input":{"file_path":"/etc/passwd"}}`)

	var resp SDKControlResponse
	require.NoError(t, json.Unmarshal(f.next(), &resp))
	assert.Equal(t, "req_1_p1", resp.Response.RequestID)
	assert.JSONEq(t, `{"behavior":"deny","message":"read only"}`,
		string(resp.Response.Response))

	f.sendControlRequest("req_2_m1", `{"subtype":"mcp_message",`+
		`"server_name":"calc","message":{"jsonrpc":"2.0","id":1,`+
		`"method":"tools/call","params":{"name":"add",`+
		`"arguments":{"a":20,"b":22}}}}`)

	resp = SDKControlResponse{}
	require.NoError(t, json.Unmarshal(f.next(), &resp))
	require.Equal(t, "success", resp.Response.Subtype)

	var payload struct {
		MCPResponse struct {
			Result struct {
				Content []ToolContent `json:"content"`
			} `json:"result"`
		} `json:"mcp_response"`
	}
	require.NoError(t, json.Unmarshal(resp.Response.Response, &payload))
	require.Len(t, payload.MCPResponse.Result.Content, 1)
	assert.Equal(t, "42", payload.MCPResponse.Result.Content[0].Text)
}

// TestSessionControlRequests checks the outbound control helpers.
func TestSessionControlRequests(t *testing.T) {
	f := newFakeCLI(t)
	session := startSession(t, f)
	ctx := context.Background()

	tests := []struct {
		name    string
		call    func() error
		subtype string
		body    string
	}{
		{
			name:    "set model",
			call:    func() error { return session.SetModel(ctx, "opus") },
			subtype: "set_model",
			body:    `{"subtype":"set_model","model":"opus"}`,
		},
		{
			name:    "reset model",
			call:    func() error { return session.SetModel(ctx, "") },
			subtype: "set_model",
			body:    `{"subtype":"set_model","model":null}`,
		},
		{
			name: "permission mode",
			call: func() error {
				return session.SetPermissionMode(ctx, PermissionModePlan)
			},
			subtype: "set_permission_mode",
			body:    `{"subtype":"set_permission_mode","mode":"plan"}`,
		},
		{
			name:    "rewind",
			call:    func() error { return session.RewindFiles(ctx, "msg-7") },
			subtype: "rewind_files",
			body:    `{"subtype":"rewind_files","user_message_id":"msg-7"}`,
		},
		{
			name: "thinking tokens",
			call: func() error {
				return session.SetMaxThinkingTokens(ctx, 2048)
			},
			subtype: "set_max_thinking_tokens",
			body:    `{"subtype":"set_max_thinking_tokens","max_thinking_tokens":2048}`,
		},
		{
			name:    "interrupt",
			call:    func() error { return session.Interrupt(ctx) },
			subtype: "interrupt",
			body:    `{"subtype":"interrupt"}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			done := async(tc.call)

			req := f.nextRequest()
			body, err := json.Marshal(req.Request)
			require.NoError(t, err)
			assert.JSONEq(t, tc.body, string(body))

			f.respond(req.RequestID, map[string]any{})
			require.NoError(t, waitErr(t, done))
		})
	}
}

// TestSessionControlErrors checks error responses and timeouts for
// outbound requests.
func TestSessionControlErrors(t *testing.T) {
	f := newFakeCLI(t)
	session := startSession(t, f)
	ctx := context.Background()

	done := async(func() error { return session.Interrupt(ctx) })
	req := f.nextRequest()
	f.send(newErrorResponse(req.RequestID, "nothing to interrupt"))

	var ctrlErr *ErrControlRequest
	require.ErrorAs(t, waitErr(t, done), &ctrlErr)
	assert.Equal(t, "interrupt", ctrlErr.Subtype)

	done = async(func() error {
		_, err := session.SendControlRequest(ctx, "slow", nil, 30*time.Millisecond)
		return err
	})
	req = f.nextRequest()

	var timeoutErr *ErrTimeout
	require.ErrorAs(t, waitErr(t, done), &timeoutErr)
	assert.Equal(t, req.RequestID, timeoutErr.RequestID)

	// The late answer is dropped without disturbing the session.
	f.respond(req.RequestID, map[string]any{})

	statuses := async(func() error {
		got, err := session.McpStatus(ctx)
		if err != nil {
			return err
		}
		if len(got) != 2 || got[1] != (McpServerStatus{Name: "docs", Status: "failed"}) {
			return fmt.Errorf("unexpected statuses %+v", got)
		}
		return nil
	})
	req = f.nextRequest()
	assert.Equal(t, "mcp_status", req.Request["subtype"])
	f.respond(req.RequestID, map[string]any{
		"mcpServers": []any{
			map[string]any{"name": "calc", "status": "connected"},
			map[string]any{"name": "docs", "status": "failed"},
		},
	})
	require.NoError(t, waitErr(t, statuses))
}

// TestSessionMessages checks content order, the CLI session id and that
// control frames never reach consumers.
func TestSessionMessages(t *testing.T) {
	f := newFakeCLI(t)
	session := startSession(t, f)

	go func() {
		f.sendRaw(`{"type":"system","subtype":"init","session_id":"cli-42"}`)
		f.sendRaw(`{"type":"assistant","message":{"role":"assistant",` +
			`"content":[{"type":"text","text":"one"}]}}`)
		f.send(newSuccessResponse("req_99_dead", nil))
		f.sendRaw(`{"type":"tool_progress","tool_name":"Bash"}`)
		f.sendRaw(`{"type":"future_thing"}`)
		f.sendRaw(`{"type":"result","subtype":"success","result":"done"}`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	var types []string
	for msg, err := range session.Messages(ctx) {
		require.NoError(t, err)
		types = append(types, msg.MessageType())
		if _, ok := msg.(ResultMessage); ok {
			break
		}
	}
	assert.Equal(t, []string{
		"system", "assistant", "tool_progress", "future_thing", "result",
	}, types)
	assert.Equal(t, "cli-42", session.CLISessionID())

	require.NoError(t, session.SendUserMessage(ctx, "next"))

	var user UserMessage
	require.NoError(t, json.Unmarshal(f.next(), &user))
	assert.Equal(t, "cli-42", user.SessionID)
	assert.NotEmpty(t, user.UUID)
	assert.Equal(t, "next", user.Message.Content[0].Text)
}

// TestSessionSlowConsumer checks that unread content does not hold up
// control traffic.
func TestSessionSlowConsumer(t *testing.T) {
	f := newFakeCLI(t)
	startSession(t, f, WithHook(HookTypeStop, "", allowHook))

	for i := range 200 {
		f.sendRaw(fmt.Sprintf(`{"type":"assistant","message":`+
			`{"role":"assistant","content":[{"type":"text","text":"%d"}]}}`, i))
	}
	f.sendControlRequest("req_1_sc",
		`{"subtype":"hook_callback","callback_id":"hook_0","input":{}}`)

	var resp SDKControlResponse
	require.NoError(t, json.Unmarshal(f.next(), &resp))
	assert.Equal(t, "req_1_sc", resp.Response.RequestID)
}

// TestSessionSlowHookOrdering checks that content read after a hook
// request is delivered while the hook is still running, and the hook's
// response is written whenever it completes.
func TestSessionSlowHookOrdering(t *testing.T) {
	f := newFakeCLI(t)
	release := make(chan struct{})
	slow := func(ctx context.Context, _ HookInput) (HookResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return HookResult{}, nil
	}
	session := startSession(t, f, WithHook(HookTypeStop, "", slow))

	f.sendControlRequest("req_1_sl",
		`{"subtype":"hook_callback","callback_id":"hook_0","input":{}}`)
	f.sendRaw(assistantFrame)

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	next, stop := iter.Pull2(session.Messages(ctx))
	defer stop()

	msg, err, ok := next()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "4", msg.(AssistantMessage).ContentText())

	f.expectNone(50 * time.Millisecond)
	close(release)

	var resp SDKControlResponse
	require.NoError(t, json.Unmarshal(f.next(), &resp))
	assert.Equal(t, "req_1_sl", resp.Response.RequestID)
	assert.Equal(t, "success", resp.Response.Subtype)
}

// TestSessionDecodeError checks that a bad frame is delivered and the
// stream continues.
func TestSessionDecodeError(t *testing.T) {
	f := newFakeCLI(t)
	session := startSession(t, f)

	go func() {
		f.sendRaw(`{"type":"assistant"`)
		f.sendRaw(`{"type":"result","subtype":"success"}`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	next, stop := iter.Pull2(session.Messages(ctx))
	defer stop()

	_, err, ok := next()
	require.True(t, ok)
	var decodeErr *ErrDecode
	require.ErrorAs(t, err, &decodeErr)

	msg, err, ok := next()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "result", msg.MessageType())
}

// TestSessionProcessExit checks that a crash fails pending requests and
// ends the stream with ErrConnectionClosed.
func TestSessionProcessExit(t *testing.T) {
	f := newFakeCLI(t)
	session := startSession(t, f)
	ctx := context.Background()

	pending := async(func() error { return session.Interrupt(ctx) })
	f.nextRequest()

	go func() {
		_ = f.runner.StderrPipe.WriteString("panic: out of tokens\n")
		f.runner.Exit(&MockExitError{Code: 1})
	}()

	err := waitErr(t, pending)
	var closedErr *ErrConnectionClosed
	require.ErrorAs(t, err, &closedErr)
	var exitErr *ErrProcessExit
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode)

	var last error
	for _, err := range session.Messages(ctx) {
		last = err
	}
	require.ErrorAs(t, last, &closedErr)
	require.ErrorAs(t, last, &exitErr)
	assert.Equal(t, []string{"panic: out of tokens"}, exitErr.Stderr)

	<-session.Done()
	require.ErrorAs(t, session.Err(), &exitErr)

	// Later requests fail immediately.
	require.ErrorAs(t, session.Interrupt(ctx), &closedErr)
}

// TestSessionClose checks that Close is idempotent, ends Messages without
// an error and fails pending requests.
func TestSessionClose(t *testing.T) {
	f := newFakeCLI(t)
	session := startSession(t, f)
	ctx := context.Background()

	pending := async(func() error { return session.Interrupt(ctx) })
	f.nextRequest()

	consumed := async(func() error {
		for _, err := range session.Messages(ctx) {
			if err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	var closedErr *ErrConnectionClosed
	require.ErrorAs(t, waitErr(t, pending), &closedErr)
	require.NoError(t, waitErr(t, consumed))

	_, err := session.SendControlRequest(ctx, "interrupt", nil, 0)
	require.ErrorAs(t, err, &closedErr)
}

// TestSessionNotStarted checks calls made before Start.
func TestSessionNotStarted(t *testing.T) {
	session, err := NewSession(NewMockSubprocessRunner())
	require.NoError(t, err)

	_, err = session.SendControlRequest(context.Background(), "interrupt", nil, 0)
	var violation *ErrProtocolViolation
	require.ErrorAs(t, err, &violation)

	var closedErr *ErrTransportClosed
	require.ErrorAs(t, session.SendUserMessage(context.Background(), "hi"), &closedErr)
	require.NoError(t, session.Close())
}
