package claudeagent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("30s") in
// config files.
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML parses a duration string node.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalText renders the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the file form of Options. Fields left unset keep their
// defaults.
type Config struct {
	CLIPath string            `yaml:"cli_path" toml:"cli_path"`
	Args    []string          `yaml:"args" toml:"args"`
	Env     map[string]string `yaml:"env" toml:"env"`
	Cwd     string            `yaml:"cwd" toml:"cwd"`
	Model   string            `yaml:"model" toml:"model"`

	PermissionMode string `yaml:"permission_mode" toml:"permission_mode"`

	MaxBufferSize     int      `yaml:"max_buffer_size" toml:"max_buffer_size"`
	ControlTimeout    Duration `yaml:"control_timeout" toml:"control_timeout"`
	InitializeTimeout Duration `yaml:"initialize_timeout" toml:"initialize_timeout"`
	CallbackTimeout   Duration `yaml:"callback_timeout" toml:"callback_timeout"`

	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	IncludePartialMessages bool `yaml:"include_partial_messages" toml:"include_partial_messages"`
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) config file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

	default:
		return nil, &ErrInvalidConfiguration{
			Field:  "path",
			Reason: fmt.Sprintf("unsupported config extension %q", ext),
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch LogFormat(strings.ToLower(c.LogFormat)) {
	case "", LogFormatJSON, LogFormatConsole:
	default:
		return &ErrInvalidConfiguration{
			Field:  "log_format",
			Reason: fmt.Sprintf("unknown format %q", c.LogFormat),
		}
	}

	if c.MaxBufferSize < 0 {
		return &ErrInvalidConfiguration{
			Field:  "max_buffer_size",
			Reason: "must not be negative",
		}
	}

	return nil
}

// Options converts the config to functional options. A logger writing to
// stderr is added when log_level is set.
func (c *Config) Options() []Option {
	var opts []Option

	if c.CLIPath != "" {
		opts = append(opts, WithCLIPath(c.CLIPath))
	}
	if len(c.Args) > 0 {
		opts = append(opts, WithArgs(c.Args...))
	}
	if len(c.Env) > 0 {
		opts = append(opts, WithEnv(c.Env))
	}
	if c.Cwd != "" {
		opts = append(opts, WithCwd(c.Cwd))
	}
	if c.Model != "" {
		opts = append(opts, WithModel(c.Model))
	}
	if c.PermissionMode != "" {
		opts = append(opts, WithPermissionMode(PermissionMode(c.PermissionMode)))
	}
	if c.MaxBufferSize > 0 {
		opts = append(opts, WithMaxBufferSize(c.MaxBufferSize))
	}
	if c.ControlTimeout > 0 {
		opts = append(opts, WithControlTimeout(time.Duration(c.ControlTimeout)))
	}
	if c.InitializeTimeout > 0 {
		opts = append(opts, WithInitializeTimeout(time.Duration(c.InitializeTimeout)))
	}
	if c.CallbackTimeout > 0 {
		opts = append(opts, WithCallbackTimeout(time.Duration(c.CallbackTimeout)))
	}
	if c.IncludePartialMessages {
		opts = append(opts, WithIncludePartialMessages(true))
	}

	if c.LogLevel != "" {
		format := LogFormat(strings.ToLower(c.LogFormat))
		if format == "" {
			format = LogFormatJSON
		}
		logger := NewLogger(os.Stderr, ParseLogLevel(c.LogLevel), format)
		opts = append(opts, WithLogger(logger))
	}

	return opts
}
