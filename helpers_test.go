package claudeagent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testWait bounds every blocking step in tests.
const testWait = 2 * time.Second

// recordingWriter is a frameWriter that keeps every frame it is given.
type recordingWriter struct {
	mu      sync.Mutex
	frames  [][]byte
	written chan []byte
	err     error
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{written: make(chan []byte, 256)}
}

func (w *recordingWriter) Write(_ context.Context, msg any) error {
	if w.err != nil {
		return w.err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.frames = append(w.frames, data)
	w.mu.Unlock()

	w.written <- data
	return nil
}

// next waits for the next written frame.
func (w *recordingWriter) next(t require.TestingT) []byte {
	select {
	case data := <-w.written:
		return data
	case <-time.After(testWait):
		require.FailNow(t, "timed out waiting for a written frame")
		return nil
	}
}

// expectNone fails if a frame is written within d.
func (w *recordingWriter) expectNone(t require.TestingT, d time.Duration) {
	select {
	case data := <-w.written:
		require.FailNow(t, "unexpected frame", "%s", data)
	case <-time.After(d):
	}
}

// nextResponse waits for a frame and decodes it as a control response.
func (w *recordingWriter) nextResponse(t require.TestingT) SDKControlResponseBody {
	var resp SDKControlResponse
	require.NoError(t, json.Unmarshal(w.next(t), &resp))
	require.Equal(t, "control_response", resp.Type)
	return resp.Response
}

// fakeCLI plays the CLI side of a MockSubprocessRunner: it collects every
// stdin line and writes scripted stdout frames.
type fakeCLI struct {
	t      *testing.T
	runner *MockSubprocessRunner

	lines       chan []byte
	stdinClosed chan struct{}

	// exitOnEOF makes the CLI exit cleanly when its stdin is closed.
	exitOnEOF atomic.Bool
}

func newFakeCLI(t *testing.T) *fakeCLI {
	f := &fakeCLI{
		t:           t,
		runner:      NewMockSubprocessRunner(),
		lines:       make(chan []byte, 256),
		stdinClosed: make(chan struct{}),
	}
	f.exitOnEOF.Store(true)

	go func() {
		defer close(f.stdinClosed)

		scanner := bufio.NewScanner(f.runner.StdinPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			f.lines <- bytes.Clone(scanner.Bytes())
		}
		if f.exitOnEOF.Load() {
			f.runner.Exit(nil)
		}
	}()

	t.Cleanup(func() { f.runner.Exit(nil) })

	return f
}

// send writes v as one stdout frame.
func (f *fakeCLI) send(v any) {
	data, err := json.Marshal(v)
	require.NoError(f.t, err)
	f.sendRaw(string(data))
}

// sendRaw writes line plus a newline to stdout.
func (f *fakeCLI) sendRaw(line string) {
	require.NoError(f.t, f.runner.StdoutPipe.WriteString(line+"\n"))
}

// next returns the next line the SDK wrote to stdin.
func (f *fakeCLI) next() []byte {
	select {
	case line := <-f.lines:
		return line
	case <-time.After(testWait):
		f.t.Fatal("timed out waiting for a stdin frame")
		return nil
	}
}

// expectNone fails if the SDK writes anything within d.
func (f *fakeCLI) expectNone(d time.Duration) {
	select {
	case line := <-f.lines:
		f.t.Fatalf("unexpected stdin frame: %s", line)
	case <-time.After(d):
	}
}

// wireRequest is an outbound control request as seen by the CLI.
type wireRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"`
}

// nextRequest reads the next stdin frame as a control request.
func (f *fakeCLI) nextRequest() wireRequest {
	var req wireRequest
	require.NoError(f.t, json.Unmarshal(f.next(), &req))
	require.Equal(f.t, "control_request", req.Type)
	return req
}

// respond answers an outbound request with a success payload.
func (f *fakeCLI) respond(requestID string, payload any) {
	data, err := json.Marshal(payload)
	require.NoError(f.t, err)
	f.send(newSuccessResponse(requestID, data))
}

// handshake answers the initialize request and returns it.
func (f *fakeCLI) handshake() wireRequest {
	req := f.nextRequest()
	require.Equal(f.t, "initialize", req.Request["subtype"])
	f.respond(req.RequestID, map[string]any{
		"commands": []any{
			map[string]any{"name": "compact"},
			map[string]any{"name": "review"},
		},
		"output_style": "default",
	})
	return req
}

// startSession starts a session against f and completes the handshake.
func startSession(t *testing.T, f *fakeCLI, opts ...Option) *Session {
	session, err := NewSession(f.runner, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- session.Start(ctx) }()

	f.handshake()
	require.NoError(t, <-started)

	t.Cleanup(func() { session.Close() })
	return session
}
