package claudeagent

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// Client is the high-level API for driving the Claude Code CLI.
//
// Client owns one Session and exposes one-shot queries through Query and
// multi-turn conversations through Stream. Messages are delivered as Go
// 1.23 iterators.
type Client struct {
	options *Options

	// newRunner supplies the runner for each new session. Nil runs the
	// CLI as a local process.
	newRunner func() SubprocessRunner

	mu      sync.Mutex
	session *Session
	err     error
}

// NewClient creates a new client with the given options.
//
// The client is not connected until Connect, Query or Stream is called.
//
// Example:
//
//	client, err := claudeagent.NewClient(
//	    claudeagent.WithModel("claude-sonnet-4-5"),
//	    claudeagent.WithHook(claudeagent.HookTypePreToolUse, "Bash", guard),
//	)
func NewClient(opts ...Option) (*Client, error) {
	options, err := NewOptions(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{options: options}, nil
}

// NewClientWithRunner creates a client that starts the CLI through runner.
// Runners start one process, so the client can connect only once; use
// NewClientWithRunnerFunc when Query is called more than once.
//
// This is primarily useful for testing with MockSubprocessRunner.
func NewClientWithRunner(runner SubprocessRunner, opts ...Option) (*Client, error) {
	return NewClientWithRunnerFunc(func() SubprocessRunner { return runner }, opts...)
}

// NewClientWithRunnerFunc creates a client that asks newRunner for a fresh
// runner every time it starts a session.
func NewClientWithRunnerFunc(
	newRunner func() SubprocessRunner,
	opts ...Option,
) (*Client, error) {
	client, err := NewClient(opts...)
	if err != nil {
		return nil, err
	}
	client.newRunner = newRunner
	return client, nil
}

// Connect starts the CLI and performs the initialize handshake. Calling
// Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

// connect returns the current session, starting a new one when there is
// none or the current one can no longer take input. A one-shot Query
// closes stdin, so the next Query lands here with a spent session.
func (c *Client) connect(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if c.session.acceptsInput() {
			return c.session, nil
		}
		if err := c.session.Close(); err != nil {
			c.session.log.Debug().Err(err).Msg("closing spent session")
		}
		c.session = nil
	}

	var runner SubprocessRunner
	if c.newRunner != nil {
		runner = c.newRunner()
	}
	session := newSession(runner, c.options)
	if err := session.Start(ctx); err != nil {
		return nil, err
	}
	c.session = session

	return session, nil
}

// Session returns the underlying session, or nil before Connect.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Err returns the error that ended the last Query, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Query sends prompt and returns an iterator over the response messages.
//
// The iterator stops after the ResultMessage, when ctx is canceled, or
// when the session fails; use Err to tell these apart. Stdin is closed
// after the prompt unless hooks, a permission callback or in-process MCP
// servers are configured, in which case it stays open until the result
// arrives so their control requests can still be answered.
//
// Example:
//
//	for msg := range client.Query(ctx, "List the Go files here") {
//	    switch m := msg.(type) {
//	    case claudeagent.AssistantMessage:
//	        fmt.Println(m.ContentText())
//	    case claudeagent.ResultMessage:
//	        fmt.Println("done:", m.Subtype)
//	    }
//	}
func (c *Client) Query(ctx context.Context, prompt string) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		c.setErr(nil)

		session, err := c.connect(ctx)
		if err != nil {
			c.setErr(err)
			return
		}

		if err := session.SendUserMessage(ctx, prompt); err != nil {
			c.setErr(err)
			return
		}

		keepOpen := c.options.needsOpenInput()
		if !keepOpen {
			if err := session.EndInput(ctx); err != nil {
				c.setErr(err)
				return
			}
		}

		for msg, err := range session.Messages(ctx) {
			if err != nil {
				session.log.Debug().Err(err).Msg("query stream error")
				var decodeErr *ErrDecode
				if errors.As(err, &decodeErr) {
					continue
				}
				c.setErr(err)
				return
			}

			if _, ok := msg.(ResultMessage); ok {
				if keepOpen {
					_ = session.EndInput(ctx)
				}
				yield(msg)
				return
			}

			if !yield(msg) {
				return
			}
		}

		if err := ctx.Err(); err != nil {
			c.setErr(err)
		}
	}
}

// Stream opens a multi-turn conversation on the client's session.
//
// Example:
//
//	stream, err := client.Stream(ctx)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	stream.Send(ctx, "Hello")
//	for msg, err := range stream.Messages(ctx) {
//	    ...
//	}
func (c *Client) Stream(ctx context.Context) (*Stream, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{session: session}, nil
}

// Close shuts down the session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}

// Stream is a multi-turn conversation. Send and Messages may be used from
// different goroutines.
type Stream struct {
	session *Session
}

// Send writes a user prompt.
func (s *Stream) Send(ctx context.Context, prompt string) error {
	return s.session.SendUserMessage(ctx, prompt)
}

// Messages returns every content message until the session ends. Unlike
// Query it does not stop at ResultMessage.
func (s *Stream) Messages(ctx context.Context) iter.Seq2[Message, error] {
	return s.session.Messages(ctx)
}

// Interrupt stops the current turn.
func (s *Stream) Interrupt(ctx context.Context) error {
	return s.session.Interrupt(ctx)
}

// SetModel switches the model for subsequent turns.
func (s *Stream) SetModel(ctx context.Context, model string) error {
	return s.session.SetModel(ctx, model)
}

// SetPermissionMode changes how tool permissions are handled.
func (s *Stream) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	return s.session.SetPermissionMode(ctx, mode)
}

// RewindFiles restores files to their state at the given user message.
func (s *Stream) RewindFiles(ctx context.Context, userMessageID string) error {
	return s.session.RewindFiles(ctx, userMessageID)
}

// SessionID returns the CLI session id.
func (s *Stream) SessionID() string {
	return s.session.CLISessionID()
}

// Close ends input and shuts the session down.
func (s *Stream) Close() error {
	return s.session.Close()
}
