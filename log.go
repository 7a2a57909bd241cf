package claudeagent

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogFormat selects how NewLogger renders records.
type LogFormat string

const (
	// LogFormatJSON writes one JSON object per record.
	LogFormatJSON LogFormat = "json"

	// LogFormatConsole writes human-readable colored lines.
	LogFormatConsole LogFormat = "console"
)

// NewLogger builds a logger writing to w at the given level.
//
// Pass the result to WithLogger. Sessions default to a disabled logger.
func NewLogger(w io.Writer, level zerolog.Level, format LogFormat) zerolog.Logger {
	output := w
	if format == LogFormatConsole {
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.Kitchen,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// ParseLogLevel converts a level name to a zerolog level. Unknown names
// map to info.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
