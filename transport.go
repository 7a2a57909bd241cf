package claudeagent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// SDKVersion is reported to the CLI through CLAUDE_AGENT_SDK_VERSION.
	SDKVersion = "0.2.0"

	// CloseGracePeriod is how long Close waits for the process to exit
	// after stdin is closed before killing it.
	CloseGracePeriod = 5 * time.Second

	// exitWaitTimeout bounds how long the reader waits for an exit status
	// after stdout reaches EOF.
	exitWaitTimeout = 2 * time.Second

	// stderrTailLines is how many trailing stderr lines are kept for
	// ErrProcessExit.
	stderrTailLines = 20
)

// writeOp is one unit of work for the writer goroutine: either a complete
// frame or a request to half-close stdin.
type writeOp struct {
	data       []byte
	closeInput bool
	result     chan error
}

// SubprocessTransport manages the CLI subprocess lifecycle and its stdio.
//
// All writes go through a single writer goroutine, so frames from
// concurrent callers are queued and never interleave. A single reader turns
// stdout into frames bounded by MaxBufferSize. Termination of the
// transport, for whatever reason, is broadcast exactly once through Done.
type SubprocessTransport struct {
	runner  SubprocessRunner
	options *Options
	log     zerolog.Logger

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	frames *lineReader

	writeCh     chan writeOp
	inputClosed atomic.Bool

	connected atomic.Bool
	reading   atomic.Bool
	closed    atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error

	stderrMu   sync.Mutex
	stderrTail []string
	stderrDone chan struct{}
}

// NewSubprocessTransport creates a transport that runs the configured
// command as a local process. The transport is not connected until
// Connect is called.
func NewSubprocessTransport(options *Options) *SubprocessTransport {
	return NewSubprocessTransportWithRunner(NewLocalSubprocessRunner(), options)
}

// NewSubprocessTransportWithRunner creates a transport with a custom
// subprocess runner.
//
// This is primarily useful for testing with mock runners.
func NewSubprocessTransportWithRunner(
	runner SubprocessRunner,
	options *Options,
) *SubprocessTransport {
	return &SubprocessTransport{
		runner:  runner,
		options: options,
		log: options.Logger.With().
			Str("component", "transport").Logger(),
		writeCh:    make(chan writeOp),
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
}

// Connect spawns the CLI subprocess and starts the writer and stderr
// goroutines.
//
// The environment is the parent environment, overlaid with the command's
// Env and the SDK markers:
// - CLAUDE_CODE_ENTRYPOINT: "sdk-go"
// - CLAUDE_AGENT_SDK_VERSION: SDK version
func (t *SubprocessTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return &ErrTransportClosed{}
	}
	if t.connected.Load() {
		return nil
	}

	cmd := t.options.Command()
	env := mergeEnv(os.Environ(), cmd.Env)

	stdin, stdout, stderr, err := t.runner.Start(ctx, cmd, env)
	if err != nil {
		var connErr *ErrConnection
		if errors.As(err, &connErr) {
			return err
		}
		return &ErrConnection{Op: "start", Cause: err}
	}

	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr
	t.frames = newLineReader(stdout, t.options.MaxBufferSize)
	t.connected.Store(true)

	t.log.Debug().
		Str("path", cmd.Path).
		Strs("args", cmd.Args).
		Str("cwd", cmd.Cwd).
		Msg("CLI subprocess started")

	go t.writeLoop()
	go t.forwardStderr()

	return nil
}

// mergeEnv overlays extra on base and appends the SDK markers. Keys from
// extra are applied in sorted order so the result is deterministic.
func mergeEnv(base []string, extra map[string]string) []string {
	env := make([]string, 0, len(base)+len(extra)+2)
	env = append(env, base...)

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}

	return append(env,
		"CLAUDE_CODE_ENTRYPOINT=sdk-go",
		"CLAUDE_AGENT_SDK_VERSION="+SDKVersion,
	)
}

// writeLoop is the only goroutine that writes to stdin.
func (t *SubprocessTransport) writeLoop() {
	for {
		select {
		case op := <-t.writeCh:
			op.result <- t.doWrite(op)

		case <-t.done:
			return
		}
	}
}

func (t *SubprocessTransport) doWrite(op writeOp) error {
	if op.closeInput {
		if !t.inputClosed.CompareAndSwap(false, true) {
			return nil
		}
		t.log.Debug().Msg("closing CLI stdin")
		return t.stdin.Close()
	}

	if t.inputClosed.Load() {
		return &ErrInputClosed{}
	}

	if _, err := t.stdin.Write(op.data); err != nil {
		t.log.Error().Err(err).Msg("failed to write frame")
		return fmt.Errorf("failed to write frame: %w", err)
	}

	if e := t.log.Trace(); e.Enabled() {
		e.Bytes("frame", bytes.TrimSuffix(op.data, []byte{'\n'})).
			Msg("frame written")
	}
	return nil
}

// enqueue hands op to the writer goroutine and waits for its result. Once
// the writer has taken the op, the frame is written whole even if ctx is
// canceled while waiting.
func (t *SubprocessTransport) enqueue(ctx context.Context, op writeOp) error {
	op.result = make(chan error, 1)

	select {
	case t.writeCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return &ErrTransportClosed{}
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return &ErrTransportClosed{}
	}
}

// Write sends a JSON message to the CLI stdin.
//
// The value is serialized to JSON and written as a single line followed by
// a newline.
func (t *SubprocessTransport) Write(ctx context.Context, msg any) error {
	if t.closed.Load() || !t.connected.Load() {
		return &ErrTransportClosed{}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	return t.enqueue(ctx, writeOp{data: data})
}

// EndInput half-closes the CLI stdin after every queued frame has been
// written. Reading continues; further writes fail with ErrInputClosed.
func (t *SubprocessTransport) EndInput(ctx context.Context) error {
	if t.closed.Load() || !t.connected.Load() {
		return &ErrTransportClosed{}
	}
	return t.enqueue(ctx, writeOp{closeInput: true})
}

// ReadMessages returns an iterator over messages read from CLI stdout.
//
// A frame that cannot be decoded is yielded as *ErrDecode and reading
// continues. Buffer overflow and a non-zero process exit are yielded once
// as the final element. A clean EOF or Close simply ends the iteration.
// Only one iteration may be active at a time.
func (t *SubprocessTransport) ReadMessages(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if !t.connected.Load() {
			yield(nil, &ErrTransportClosed{})
			return
		}
		if !t.reading.CompareAndSwap(false, true) {
			yield(nil, &ErrProtocolViolation{
				Message: "transport already has an active reader",
			})
			return
		}
		defer t.reading.Store(false)

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			default:
			}

			line, err := t.frames.next()
			if err != nil {
				if terminal := t.readFailed(err); terminal != nil {
					yield(nil, terminal)
				}
				return
			}

			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			if e := t.log.Trace(); e.Enabled() {
				e.Bytes("frame", line).Msg("frame read")
			}

			msg, err := ParseMessage(line)
			if err != nil {
				decodeErr := &ErrDecode{
					Line:  bytes.Clone(line),
					Cause: err,
				}
				t.log.Debug().Err(decodeErr).Msg("skipping undecodable frame")
				if !yield(nil, decodeErr) {
					return
				}
				continue
			}

			if !yield(msg, nil) {
				return
			}
		}
	}
}

// readFailed records the terminal state after the reader stops and
// returns the error to surface to the reader, if any.
func (t *SubprocessTransport) readFailed(err error) error {
	var overflow *ErrBufferOverflow
	switch {
	case errors.As(err, &overflow):
		t.log.Error().Int("limit", overflow.Limit).Msg("frame buffer overflow")
		t.finish(err)
		return err

	case t.closed.Load():
		return nil

	case errors.Is(err, io.EOF):
		exitErr := t.waitExit()
		t.finish(exitErr)
		return exitErr

	default:
		t.log.Error().Err(err).Msg("stdout read failed")
		cause := &ErrConnectionClosed{Cause: err}
		t.finish(cause)
		return cause
	}
}

// waitExit collects the exit status after stdout closed. A non-zero
// status becomes *ErrProcessExit carrying the stderr tail.
func (t *SubprocessTransport) waitExit() error {
	done := make(chan error, 1)
	go func() {
		done <- t.runner.Wait()
	}()

	select {
	case err := <-done:
		code := exitCode(err)
		if code == 0 {
			t.log.Debug().Msg("CLI exited")
			return nil
		}

		// Let the stderr forwarder drain so the tail is complete.
		select {
		case <-t.stderrDone:
		case <-time.After(exitWaitTimeout):
		}

		t.log.Error().Int("exit_code", code).Msg("CLI exited with error")
		return &ErrProcessExit{
			ExitCode: code,
			Stderr:   t.StderrTail(),
			Cause:    err,
		}

	case <-time.After(exitWaitTimeout):
		t.log.Warn().Msg("stdout closed but CLI did not exit")
		return nil
	}
}

// finish broadcasts termination exactly once.
func (t *SubprocessTransport) finish(err error) {
	t.doneOnce.Do(func() {
		t.errMu.Lock()
		t.err = err
		t.errMu.Unlock()

		close(t.done)
	})
}

// Done returns a channel that is closed when the transport terminates.
func (t *SubprocessTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns the terminal error once Done is closed: *ErrProcessExit,
// *ErrBufferOverflow, *ErrTransportClosed after Close, or nil after a
// clean exit.
func (t *SubprocessTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// forwardStderr passes each stderr line to the configured callback and
// keeps a bounded tail for exit diagnostics.
func (t *SubprocessTransport) forwardStderr() {
	defer close(t.stderrDone)

	scanner := bufio.NewScanner(t.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), max(t.options.MaxBufferSize, 64*1024))

	for scanner.Scan() {
		line := scanner.Text()

		t.stderrMu.Lock()
		t.stderrTail = append(t.stderrTail, line)
		if len(t.stderrTail) > stderrTailLines {
			t.stderrTail = t.stderrTail[1:]
		}
		t.stderrMu.Unlock()

		t.log.Debug().Str("line", line).Msg("CLI stderr")

		if t.options.Stderr != nil {
			t.options.Stderr(line)
		}
	}
}

// StderrTail returns the most recent stderr lines.
func (t *SubprocessTransport) StderrTail() []string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()

	tail := make([]string, len(t.stderrTail))
	copy(tail, t.stderrTail)
	return tail
}

// Close terminates the CLI subprocess and cleans up resources.
//
// Close attempts a graceful shutdown by closing stdin, which signals the
// CLI to exit. If the process doesn't exit within CloseGracePeriod, it is
// killed. Close is idempotent.
func (t *SubprocessTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.finish(&ErrTransportClosed{})

	if !t.connected.Load() {
		return nil
	}

	if t.inputClosed.CompareAndSwap(false, true) {
		t.stdin.Close()
	}

	done := make(chan error, 1)
	go func() {
		done <- t.runner.Wait()
	}()

	select {
	case <-done:
	case <-time.After(CloseGracePeriod):
		t.log.Warn().Msg("CLI did not exit after stdin closed, killing")
		_ = t.runner.Kill()
	}

	t.stdout.Close()
	t.stderr.Close()

	t.log.Debug().Msg("transport closed")

	return nil
}

// IsAlive returns true if the subprocess is still running.
func (t *SubprocessTransport) IsAlive() bool {
	if t.closed.Load() || !t.connected.Load() {
		return false
	}
	return t.runner.IsAlive()
}
