package claudeagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Command is a ready-to-exec description of the CLI process. Resolving the
// binary and building the argument list belong to the caller.
type Command struct {
	// Path is the executable to run.
	Path string

	// Args are the arguments passed after Path.
	Args []string

	// Env holds extra environment variables, merged over the parent
	// environment.
	Env map[string]string

	// Cwd is the working directory. Empty means the current directory.
	Cwd string
}

// SubprocessRunner abstracts over CLI subprocess execution.
//
// This interface allows swapping implementations for testing (mock
// subprocess) or for running the CLI somewhere other than a local process.
type SubprocessRunner interface {
	// Start spawns the subprocess described by cmd with the fully merged
	// environment env. Returns stdin, stdout, stderr pipes.
	Start(ctx context.Context, cmd Command, env []string) (
		stdin io.WriteCloser,
		stdout io.ReadCloser,
		stderr io.ReadCloser,
		err error,
	)

	// Wait blocks until the subprocess exits and returns the exit error.
	// It may be called any number of times from any goroutine.
	Wait() error

	// Kill forcefully terminates the subprocess.
	Kill() error

	// IsAlive returns true if the subprocess is still running.
	IsAlive() bool
}

// LocalSubprocessRunner executes the CLI as a local subprocess.
type LocalSubprocessRunner struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
}

// NewLocalSubprocessRunner creates a runner for a local process.
func NewLocalSubprocessRunner() *LocalSubprocessRunner {
	return &LocalSubprocessRunner{
		exited: make(chan struct{}),
	}
}

// Start spawns the subprocess.
//
// We use exec.Command instead of exec.CommandContext: cancelling the
// connect context must not kill a session that is already running. The
// transport kills the process on Close.
func (r *LocalSubprocessRunner) Start(
	ctx context.Context,
	cmd Command,
	env []string,
) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	if cmd.Cwd != "" {
		info, err := os.Stat(cmd.Cwd)
		if err != nil {
			return nil, nil, nil, &ErrConnection{Op: "stat cwd", Cause: err}
		}
		if !info.IsDir() {
			return nil, nil, nil, &ErrConnection{
				Op:    "stat cwd",
				Cause: fmt.Errorf("%s is not a directory", cmd.Cwd),
			}
		}
	}

	path, err := exec.LookPath(cmd.Path)
	if err != nil {
		return nil, nil, nil, &ErrConnection{Op: "lookup executable", Cause: err}
	}

	r.cmd = exec.Command(path, cmd.Args...)
	r.cmd.Env = env
	r.cmd.Dir = cmd.Cwd

	stdin, err := r.cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, &ErrConnection{Op: "stdin pipe", Cause: err}
	}

	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, nil, &ErrConnection{Op: "stdout pipe", Cause: err}
	}

	stderr, err := r.cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, nil, nil, &ErrConnection{Op: "stderr pipe", Cause: err}
	}

	if err := r.cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, nil, nil, &ErrConnection{Op: "start", Cause: err}
	}

	// exec.Cmd.Wait may only be called once, so a single goroutine owns it
	// and Wait callers observe the recorded result.
	go func() {
		r.waitErr = r.cmd.Wait()
		close(r.exited)
	}()

	return stdin, stdout, stderr, nil
}

// Wait blocks until the subprocess exits.
func (r *LocalSubprocessRunner) Wait() error {
	if r.cmd == nil {
		return fmt.Errorf("subprocess not started")
	}
	<-r.exited
	return r.waitErr
}

// Kill forcefully terminates the subprocess.
func (r *LocalSubprocessRunner) Kill() error {
	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	err := r.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// IsAlive returns true if the subprocess is still running.
func (r *LocalSubprocessRunner) IsAlive() bool {
	if r.cmd == nil {
		return false
	}
	select {
	case <-r.exited:
		return false
	default:
		return true
	}
}

// exitCode extracts the process exit status from a Wait error. It returns
// 0 for a nil error and -1 when the status is unknown.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var mockErr *MockExitError
	if errors.As(err, &mockErr) {
		return mockErr.Code
	}
	return -1
}

// MockExitError is the Wait error reported by MockSubprocessRunner when a
// test simulates a non-zero exit.
type MockExitError struct {
	Code int
}

// Error implements the error interface.
func (e *MockExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// MockSubprocessRunner simulates a CLI subprocess for testing.
//
// Tests act as the CLI: they read what the SDK wrote from StdinPipe and
// write CLI frames to StdoutPipe.
type MockSubprocessRunner struct {
	StdinPipe  *MockPipe
	StdoutPipe *MockPipe
	StderrPipe *MockPipe

	// StartErr, when set, is returned from Start.
	StartErr error

	mu       sync.Mutex
	started  bool
	command  Command
	env      []string
	exited   chan struct{}
	exitOnce sync.Once
	exitErr  error
}

// NewMockSubprocessRunner creates a mock runner for testing.
func NewMockSubprocessRunner() *MockSubprocessRunner {
	return &MockSubprocessRunner{
		StdinPipe:  NewMockPipe(),
		StdoutPipe: NewMockPipe(),
		StderrPipe: NewMockPipe(),
		exited:     make(chan struct{}),
	}
}

// Start simulates subprocess startup.
func (m *MockSubprocessRunner) Start(
	ctx context.Context,
	cmd Command,
	env []string,
) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	if m.StartErr != nil {
		return nil, nil, nil, m.StartErr
	}

	m.mu.Lock()
	m.started = true
	m.command = cmd
	m.env = env
	m.mu.Unlock()

	return m.StdinPipe, m.StdoutPipe, m.StderrPipe, nil
}

// Command returns the command passed to Start.
func (m *MockSubprocessRunner) Command() Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.command
}

// Env returns the environment passed to Start.
func (m *MockSubprocessRunner) Env() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.env
}

// Wait blocks until Exit or Kill is called.
func (m *MockSubprocessRunner) Wait() error {
	<-m.exited
	return m.exitErr
}

// Kill simulates killing the subprocess.
func (m *MockSubprocessRunner) Kill() error {
	m.Exit(nil)
	return nil
}

// IsAlive returns subprocess status.
func (m *MockSubprocessRunner) IsAlive() bool {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	select {
	case <-m.exited:
		return false
	default:
		return started
	}
}

// Exit signals subprocess termination with the given wait error and
// closes the stdout and stderr pipes so readers observe EOF.
func (m *MockSubprocessRunner) Exit(err error) {
	m.exitOnce.Do(func() {
		m.exitErr = err
		m.StdoutPipe.CloseWrite()
		m.StderrPipe.CloseWrite()
		close(m.exited)
	})
}

// MockPipe simulates an in-memory pipe for testing.
type MockPipe struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

// NewMockPipe creates a mock pipe using io.Pipe.
func NewMockPipe() *MockPipe {
	r, w := io.Pipe()
	return &MockPipe{
		reader: r,
		writer: w,
	}
}

// Read implements io.Reader for the read side of the pipe.
func (p *MockPipe) Read(data []byte) (int, error) {
	return p.reader.Read(data)
}

// Write implements io.Writer for the write side of the pipe.
func (p *MockPipe) Write(data []byte) (int, error) {
	return p.writer.Write(data)
}

// Close closes the write side, so the reading end sees EOF once buffered
// data is drained.
func (p *MockPipe) Close() error {
	return p.writer.Close()
}

// CloseWrite closes only the write side (useful for signaling EOF).
func (p *MockPipe) CloseWrite() error {
	return p.writer.Close()
}

// CloseRead closes only the read side.
func (p *MockPipe) CloseRead() error {
	return p.reader.Close()
}

// WriteString is a helper for writing strings to the pipe.
func (p *MockPipe) WriteString(s string) error {
	_, err := p.writer.Write([]byte(s))
	return err
}
