package claudeagent

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const yamlConfig = `
cli_path: /usr/local/bin/claude
args: ["--max-turns", "3"]
env:
  ANTHROPIC_LOG: debug
model: claude-sonnet-4-5
permission_mode: plan
max_buffer_size: 2097152
control_timeout: 45s
initialize_timeout: 1m30s
include_partial_messages: true
`

const tomlConfig = `
cli_path = "/usr/local/bin/claude"
args = ["--max-turns", "3"]
model = "claude-sonnet-4-5"
permission_mode = "plan"
max_buffer_size = 2097152
control_timeout = "45s"
initialize_timeout = "1m30s"
include_partial_messages = true

[env]
ANTHROPIC_LOG = "debug"
`

// TestLoadConfig checks that YAML and TOML produce the same options.
func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "yaml", file: "agent.yaml", body: yamlConfig},
		{name: "yml", file: "agent.yml", body: yamlConfig},
		{name: "toml", file: "agent.toml", body: tomlConfig},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, tc.file, tc.body))
			require.NoError(t, err)

			assert.Equal(t, "/usr/local/bin/claude", cfg.CLIPath)
			assert.Equal(t, []string{"--max-turns", "3"}, cfg.Args)
			assert.Equal(t, map[string]string{"ANTHROPIC_LOG": "debug"}, cfg.Env)
			assert.Equal(t, Duration(45*time.Second), cfg.ControlTimeout)
			assert.Equal(t, Duration(90*time.Second), cfg.InitializeTimeout)
			assert.Zero(t, cfg.CallbackTimeout)

			options, err := NewOptions(cfg.Options()...)
			require.NoError(t, err)

			assert.Equal(t, "claude-sonnet-4-5", options.Model)
			assert.Equal(t, PermissionModePlan, options.PermissionMode)
			assert.Equal(t, 2097152, options.MaxBufferSize)
			assert.Equal(t, 45*time.Second, options.ControlTimeout)
			assert.Equal(t, 90*time.Second, options.InitializeTimeout)
			assert.Equal(t, DefaultCallbackTimeout, options.CallbackTimeout)
			assert.True(t, options.IncludePartialMessages)

			cmd := options.Command()
			assert.Equal(t, "/usr/local/bin/claude", cmd.Path)
			assert.Contains(t, cmd.Args, "--include-partial-messages")
			assert.Equal(t, []string{"--max-turns", "3"}, cmd.Args[len(cmd.Args)-2:])
		})
	}
}

// TestLoadConfigErrors checks the rejected inputs.
func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "agent.json", `{}`))
	var cfgErr *ErrInvalidConfiguration
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "path", cfgErr.Field)

	_, err = LoadConfig(writeConfig(t, "agent.yaml", "control_timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid duration "soon"`)

	_, err = LoadConfig(writeConfig(t, "agent.toml", `control_timeout = "soon"`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "agent.yaml", "log_format: xml\n"))
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "log_format", cfgErr.Field)

	_, err = LoadConfig(writeConfig(t, "agent.yaml", "max_buffer_size: -1\n"))
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "max_buffer_size", cfgErr.Field)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestConfigInvalidPermissionMode checks that option validation still
// applies to config values.
func TestConfigInvalidPermissionMode(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "agent.yaml", "permission_mode: yolo\n"))
	require.NoError(t, err)

	_, err = NewOptions(cfg.Options()...)
	var cfgErr *ErrInvalidConfiguration
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "PermissionMode", cfgErr.Field)
}

// TestDurationText checks the text round trip used by both formats.
func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 250ms ")))
	assert.Equal(t, Duration(250*time.Millisecond), d)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "250ms", string(text))

	require.NoError(t, d.UnmarshalText(nil))
	assert.Zero(t, d)
}

// TestNewLogger checks level filtering and the JSON format.
func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, ParseLogLevel("warn"), LogFormatJSON)

	log.Info().Msg("hidden")
	log.Warn().Str("session", "s1").Msg("shown")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "warn", record["level"])
	assert.Equal(t, "shown", record["message"])
	assert.Equal(t, "s1", record["session"])
	assert.Contains(t, record, "time")

	buf.Reset()
	console := NewLogger(&buf, zerolog.DebugLevel, LogFormatConsole)
	console.Debug().Msg("pretty")
	assert.Contains(t, buf.String(), "pretty")
	assert.NotContains(t, buf.String(), `"message"`)
}

// TestParseLogLevel checks the accepted names.
func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"chatty":  zerolog.InfoLevel,
	}
	for name, want := range tests {
		assert.Equal(t, want, ParseLogLevel(name), name)
	}
}
