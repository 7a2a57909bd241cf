// Example MCP server exposing an in-process tool registry over stdio.
//
// The same McpServer can be registered with a session through
// WithMcpServer, where the CLI reaches it through mcp_message control
// requests, or served standalone as done here.
//
// Usage:
//
//	go build -o example-mcp-server ./cmd/example-mcp-server
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	claudeagent "github.com/roasbeef/claude-agent-control-go"
	"github.com/rs/zerolog"
)

// AddNumbersArgs is the input schema for the add_numbers tool.
type AddNumbersArgs struct {
	A int `json:"a" jsonschema:"First number to add"`
	B int `json:"b" jsonschema:"Second number to add"`
}

// EchoArgs is the input schema for the echo tool.
type EchoArgs struct {
	Message string `json:"message" jsonschema:"Message to echo back"`
}

// ReverseArgs is the input schema for the reverse tool.
type ReverseArgs struct {
	Text string `json:"text" jsonschema:"Text to reverse"`
}

// WordCount is the typed response of the word_count tool.
type WordCount struct {
	Words int `json:"words"`
	Runes int `json:"runes"`
}

func newServer() *claudeagent.McpServer {
	return claudeagent.CreateMcpServer(claudeagent.McpServerOptions{
		Name:    "example-mcp-server",
		Version: "1.0.0",
		Tools: []claudeagent.ToolRegistrar{
			claudeagent.Tool("add_numbers",
				"Add two numbers together and return the sum",
				func(_ context.Context, args AddNumbersArgs) (claudeagent.ToolResult, error) {
					return claudeagent.TextResult(fmt.Sprintf("%d", args.A+args.B)), nil
				},
			),
			claudeagent.Tool("echo",
				"Echo back the provided message",
				func(_ context.Context, args EchoArgs) (claudeagent.ToolResult, error) {
					if args.Message == "" {
						return claudeagent.ErrorResult("message is required"), nil
					}
					return claudeagent.TextResult(args.Message), nil
				},
			),
			claudeagent.Tool("reverse",
				"Reverse the characters of a string",
				func(_ context.Context, args ReverseArgs) (claudeagent.ToolResult, error) {
					runes := []rune(args.Text)
					for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
						runes[i], runes[j] = runes[j], runes[i]
					}
					return claudeagent.TextResult(string(runes)), nil
				},
			),
			claudeagent.ToolWithResponse("word_count",
				"Count the words and characters in a string",
				func(_ context.Context, args ReverseArgs) (WordCount, error) {
					return WordCount{
						Words: len(strings.Fields(args.Text)),
						Runes: len([]rune(args.Text)),
					}, nil
				},
			),
		},
	})
}

func main() {
	// Stdout carries the protocol, so logs go to stderr.
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	server := newServer()
	log.Info().
		Strs("tools", server.ToolNames()).
		Msg("serving MCP over stdio")

	if err := server.Serve(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
