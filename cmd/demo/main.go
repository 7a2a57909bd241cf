// Demo program for the Claude agent control SDK.
//
// Runs a single query against the Claude Code CLI with a PreToolUse guard
// hook and an in-process MCP tool registered. Requires
// CLAUDE_CODE_OAUTH_TOKEN or ANTHROPIC_API_KEY.
//
// Usage:
//
//	go run ./cmd/demo "What is 2+2?"
//	go run ./cmd/demo --config demo.yaml --partial "Summarize README.md"
//	go run ./cmd/demo mcp-status
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	claudeagent "github.com/roasbeef/claude-agent-control-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type demoFlags struct {
	configPath string
	model      string
	partial    bool
	logLevel   string
	timeout    time.Duration
}

func main() {
	flags := &demoFlags{}

	rootCmd := &cobra.Command{
		Use:   "demo [prompt]",
		Short: "Run a query through the Claude Code CLI",
		Long: `Runs a single prompt through the Claude Code CLI over the control
protocol and prints the response.

A PreToolUse hook denies Bash commands containing "rm -rf", and an
in-process MCP server named "demo" exposes a "clock" tool.

Examples:
  demo "What is 2+2?"
  demo --partial "Write a haiku about Go"
  demo --config demo.toml "List the files here"`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := "What is 2+2? Answer briefly."
			if len(args) > 0 {
				prompt = strings.Join(args, " ")
			}
			return runQuery(cmd, flags, prompt)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "",
		"YAML or TOML config file")
	rootCmd.PersistentFlags().StringVarP(&flags.model, "model", "m", "",
		"Model to use")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "",
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 2*time.Minute,
		"Overall timeout")
	rootCmd.Flags().BoolVar(&flags.partial, "partial", false,
		"Render partial messages as they stream")

	rootCmd.AddCommand(mcpStatusCommand(flags))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func checkAuth() error {
	if os.Getenv("CLAUDE_CODE_OAUTH_TOKEN") == "" &&
		os.Getenv("ANTHROPIC_API_KEY") == "" {

		return fmt.Errorf("CLAUDE_CODE_OAUTH_TOKEN or ANTHROPIC_API_KEY must be set")
	}
	return nil
}

// clientOptions merges the config file, flags and the demo's hooks and
// tools. Later options win.
func clientOptions(flags *demoFlags) ([]claudeagent.Option, error) {
	var opts []claudeagent.Option

	if flags.configPath != "" {
		cfg, err := claudeagent.LoadConfig(flags.configPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cfg.Options()...)
	}

	if flags.model != "" {
		opts = append(opts, claudeagent.WithModel(flags.model))
	}
	if flags.logLevel != "" {
		opts = append(opts, claudeagent.WithLogger(claudeagent.NewLogger(
			os.Stderr, claudeagent.ParseLogLevel(flags.logLevel),
			claudeagent.LogFormatConsole,
		)))
	}
	if flags.partial {
		opts = append(opts, claudeagent.WithIncludePartialMessages(true))
	}

	opts = append(opts,
		claudeagent.WithHook(claudeagent.HookTypePreToolUse, "Bash", guardBash),
		claudeagent.WithMcpServer("demo", demoServer()),
	)

	return opts, nil
}

// guardBash denies destructive shell commands.
func guardBash(
	_ context.Context,
	input claudeagent.HookInput,
) (claudeagent.HookResult, error) {
	pre, ok := input.(claudeagent.PreToolUseInput)
	if !ok {
		return claudeagent.HookResult{}, nil
	}

	args, err := claudeagent.DecodeToolInput[claudeagent.BashInput](pre.ToolInput)
	if err != nil {
		return claudeagent.HookResult{}, nil
	}

	if strings.Contains(args.Command, "rm -rf") {
		return claudeagent.HookResult{
			HookSpecificOutput: &claudeagent.HookSpecificOutput{
				HookEventName:            string(claudeagent.HookTypePreToolUse),
				PermissionDecision:       "deny",
				PermissionDecisionReason: "destructive command blocked by demo",
			},
		}, nil
	}

	return claudeagent.HookResult{}, nil
}

type clockArgs struct {
	Zone string `json:"zone,omitempty" jsonschema:"IANA time zone, default UTC"`
}

func demoServer() *claudeagent.McpServer {
	return claudeagent.CreateMcpServer(claudeagent.McpServerOptions{
		Name: "demo",
		Tools: []claudeagent.ToolRegistrar{
			claudeagent.Tool("clock", "Report the current time",
				func(_ context.Context, args clockArgs) (claudeagent.ToolResult, error) {
					zone := args.Zone
					if zone == "" {
						zone = "UTC"
					}
					loc, err := time.LoadLocation(zone)
					if err != nil {
						return claudeagent.ErrorResult(err.Error()), nil
					}
					return claudeagent.TextResult(
						time.Now().In(loc).Format(time.RFC1123),
					), nil
				},
			),
		},
	})
}

func runQuery(cmd *cobra.Command, flags *demoFlags, prompt string) error {
	if err := checkAuth(); err != nil {
		return err
	}

	opts, err := clientOptions(flags)
	if err != nil {
		return err
	}

	client, err := claudeagent.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Prompt: %s\n\n", prompt)

	messages := func(yield func(claudeagent.Message, error) bool) {
		for msg := range client.Query(ctx, prompt) {
			if !yield(msg, nil) {
				return
			}
		}
	}

	streamed := false
	for ev, err := range claudeagent.AssembleStream(messages, zerolog.Nop()) {
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			continue
		}

		switch m := ev.Message.(type) {
		case claudeagent.StreamEventMessage:
			delta, ok := ev.Event.(claudeagent.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			if text, ok := delta.Delta.(claudeagent.TextDelta); ok {
				fmt.Fprint(out, text.Text)
				streamed = true
			}

		case claudeagent.AssistantMessage:
			// Full messages repeat what was already streamed.
			if !streamed {
				fmt.Fprint(out, m.ContentText())
			}

		case claudeagent.ResultMessage:
			fmt.Fprintln(out)
			fmt.Fprintln(out, "─────────")
			fmt.Fprintf(out, "Result: %s (%d turns)\n", m.Subtype, m.NumTurns)
			if m.Usage != nil {
				fmt.Fprintf(out, "Tokens: %d input, %d output (cost: $%.4f)\n",
					m.Usage.InputTokens, m.Usage.OutputTokens,
					m.TotalCostUSD)
			}
		}
	}

	if err := client.Err(); err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	return nil
}

func mcpStatusCommand(flags *demoFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-status",
		Short: "Print the connection status of every MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkAuth(); err != nil {
				return err
			}

			opts, err := clientOptions(flags)
			if err != nil {
				return err
			}

			client, err := claudeagent.NewClient(opts...)
			if err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			if err := client.Connect(ctx); err != nil {
				return err
			}

			statuses, err := client.Session().McpStatus(ctx)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", s.Name, s.Status)
			}
			return nil
		},
	}
}
