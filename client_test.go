package claudeagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	assistantFrame = `{"type":"assistant","message":{"role":"assistant",` +
		`"content":[{"type":"text","text":"4"}]}}`
	resultFrame = `{"type":"result","subtype":"success","result":"4"}`
)

// newQueryCLI returns a fake CLI that stays up after stdin closes, so a
// script can keep writing frames.
func newQueryCLI(t *testing.T) *fakeCLI {
	f := newFakeCLI(t)
	f.exitOnEOF.Store(false)
	return f
}

func (f *fakeCLI) waitStdinClosed() {
	select {
	case <-f.stdinClosed:
	case <-time.After(testWait):
		f.t.Error("stdin never closed")
	}
}

func newTestClient(t *testing.T, f *fakeCLI, opts ...Option) *Client {
	client, err := NewClientWithRunner(f.runner, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// TestClientQuery checks a one-shot query: the prompt is written, stdin
// is closed and iteration stops at the result.
func TestClientQuery(t *testing.T) {
	f := newQueryCLI(t)
	client := newTestClient(t, f)

	prompt := make(chan UserMessage, 1)
	go func() {
		f.handshake()

		var user UserMessage
		_ = json.Unmarshal(f.next(), &user)
		prompt <- user

		f.waitStdinClosed()
		f.sendRaw(`{"type":"system","subtype":"init","session_id":"cli-7"}`)
		f.sendRaw(assistantFrame)
		f.sendRaw(resultFrame)
		f.sendRaw(assistantFrame)
		f.runner.Exit(nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	var got []Message
	for msg := range client.Query(ctx, "What is 2+2?") {
		got = append(got, msg)
	}
	require.NoError(t, client.Err())

	require.Len(t, got, 3)
	assert.IsType(t, SystemMessage{}, got[0])
	assert.Equal(t, "4", got[1].(AssistantMessage).ContentText())
	assert.Equal(t, "success", got[2].(ResultMessage).Subtype)

	user := <-prompt
	assert.Equal(t, "What is 2+2?", user.Message.Content[0].Text)
	assert.Equal(t, "default", user.SessionID)
	assert.Equal(t, "cli-7", client.Session().CLISessionID())
}

// TestClientQueryKeepsInputOpen checks that stdin stays open for hook
// traffic until the result arrives.
func TestClientQueryKeepsInputOpen(t *testing.T) {
	f := newQueryCLI(t)
	client := newTestClient(t, f, WithHook(HookTypePreToolUse, "Bash", denyHook))

	hookResp := make(chan SDKControlResponseBody, 1)
	go func() {
		f.handshake()
		f.next()

		select {
		case <-f.stdinClosed:
			f.t.Error("stdin closed before the result")
		case <-time.After(50 * time.Millisecond):
		}

		f.sendControlRequest("req_1_q1", `{"subtype":"hook_callback",`+
			`"callback_id":"hook_0","input":{"hook_event_name":"PreToolUse",`+
			`"tool_name":"Bash","tool_input":{"command":"rm -rf /"}}}`)

		var resp SDKControlResponse
		_ = json.Unmarshal(f.next(), &resp)
		hookResp <- resp.Response

		f.sendRaw(resultFrame)
		f.waitStdinClosed()
		f.runner.Exit(nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	var last Message
	for msg := range client.Query(ctx, "clean up") {
		last = msg
	}
	require.NoError(t, client.Err())
	assert.IsType(t, ResultMessage{}, last)

	resp := <-hookResp
	assert.Equal(t, "success", resp.Subtype)
	assert.JSONEq(t, `{"hookSpecificOutput":{"permissionDecision":"deny",`+
		`"permissionDecisionReason":"blocked"}}`, string(resp.Response))
}

// TestClientQuerySkipsDecodeErrors checks that a bad frame does not end a
// query.
func TestClientQuerySkipsDecodeErrors(t *testing.T) {
	f := newQueryCLI(t)
	client := newTestClient(t, f)

	go func() {
		f.handshake()
		f.next()
		f.waitStdinClosed()
		f.sendRaw(`{"type":"assistant","message":`)
		f.sendRaw(resultFrame)
		f.runner.Exit(nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	var got []Message
	for msg := range client.Query(ctx, "hi") {
		got = append(got, msg)
	}
	require.NoError(t, client.Err())
	require.Len(t, got, 1)
	assert.IsType(t, ResultMessage{}, got[0])
}

// TestClientQueryProcessExit checks that a crash ends the query and is
// reported through Err.
func TestClientQueryProcessExit(t *testing.T) {
	f := newQueryCLI(t)
	client := newTestClient(t, f)

	go func() {
		f.handshake()
		f.next()
		f.waitStdinClosed()
		f.sendRaw(assistantFrame)
		f.runner.Exit(&MockExitError{Code: 3})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	var got []Message
	for msg := range client.Query(ctx, "hi") {
		got = append(got, msg)
	}
	require.Len(t, got, 1)

	var closedErr *ErrConnectionClosed
	require.ErrorAs(t, client.Err(), &closedErr)
	var exitErr *ErrProcessExit
	require.ErrorAs(t, client.Err(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode)
}

// TestClientQueryTwice checks that a second Query starts a new CLI once
// the first one has closed its input.
func TestClientQueryTwice(t *testing.T) {
	clis := []*fakeCLI{newQueryCLI(t), newQueryCLI(t)}

	var started atomic.Int32
	client, err := NewClientWithRunnerFunc(func() SubprocessRunner {
		n := started.Add(1)
		require.LessOrEqual(t, int(n), len(clis))
		return clis[n-1].runner
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	var sessions []*Session
	for i, f := range clis {
		prompt := fmt.Sprintf("question %d", i+1)

		go func() {
			f.handshake()

			var user UserMessage
			if err := json.Unmarshal(f.next(), &user); err == nil {
				assert.Equal(t, prompt, user.Message.Content[0].Text)
			}

			f.waitStdinClosed()
			f.sendRaw(resultFrame)
			f.runner.Exit(nil)
		}()

		var got []Message
		for msg := range client.Query(ctx, prompt) {
			got = append(got, msg)
		}
		require.NoError(t, client.Err(), "query %d", i+1)
		require.Len(t, got, 1)
		assert.IsType(t, ResultMessage{}, got[0])

		sessions = append(sessions, client.Session())
	}

	assert.EqualValues(t, 2, started.Load())
	assert.NotSame(t, sessions[0], sessions[1])
}

// TestClientConnectErrors checks option validation and spawn failures.
func TestClientConnectErrors(t *testing.T) {
	_, err := NewClient(WithPermissionMode("sometimes"))
	var cfgErr *ErrInvalidConfiguration
	require.ErrorAs(t, err, &cfgErr)

	runner := NewMockSubprocessRunner()
	runner.StartErr = errors.New("claude: not found")

	client, err := NewClientWithRunner(runner)
	require.NoError(t, err)

	for range client.Query(context.Background(), "hi") {
		t.Fatal("no messages expected")
	}
	var connErr *ErrConnection
	require.ErrorAs(t, client.Err(), &connErr)
	assert.Nil(t, client.Session())

	_, err = client.Stream(context.Background())
	require.ErrorAs(t, err, &connErr)
	require.NoError(t, client.Close())
}

// TestClientStream checks a multi-turn conversation.
func TestClientStream(t *testing.T) {
	f := newFakeCLI(t)
	client := newTestClient(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	handshake := make(chan struct{})
	go func() {
		defer close(handshake)
		f.handshake()
	}()

	stream, err := client.Stream(ctx)
	require.NoError(t, err)
	<-handshake

	// Connecting again reuses the session.
	require.NoError(t, client.Connect(ctx))

	messages := stream.Messages(ctx)
	for turn, prompt := range []string{"first", "second"} {
		require.NoError(t, stream.Send(ctx, prompt))

		var user UserMessage
		require.NoError(t, json.Unmarshal(f.next(), &user))
		assert.Equal(t, prompt, user.Message.Content[0].Text)

		if turn == 0 {
			f.sendRaw(`{"type":"system","subtype":"init","session_id":"cli-s"}`)
		}
		f.sendRaw(assistantFrame)
		f.sendRaw(resultFrame)

		var results int
		for msg, err := range messages {
			require.NoError(t, err)
			if _, ok := msg.(ResultMessage); ok {
				results++
				break
			}
		}
		assert.Equal(t, 1, results)
	}
	assert.Equal(t, "cli-s", stream.SessionID())

	done := async(func() error { return stream.SetModel(ctx, "haiku") })
	req := f.nextRequest()
	assert.Equal(t, "set_model", req.Request["subtype"])
	f.respond(req.RequestID, map[string]any{})
	require.NoError(t, waitErr(t, done))

	done = async(func() error { return stream.Interrupt(ctx) })
	req = f.nextRequest()
	assert.Equal(t, "interrupt", req.Request["subtype"])
	f.respond(req.RequestID, map[string]any{})
	require.NoError(t, waitErr(t, done))

	require.NoError(t, stream.Close())
	for _, err := range stream.Messages(ctx) {
		require.NoError(t, err)
	}
}
