package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Setup creates and configures a new logger instance writing to stderr so
// diagnostics never interleave with rendered node output.
func Setup(level string) zerolog.Logger {
	return New(os.Stderr, level)
}

// New creates a logger writing human-readable output to w at the given
// level. Unknown levels fall back to warn.
func New(w io.Writer, level string) zerolog.Logger {
	var l zerolog.Level
	switch strings.ToLower(level) {
	case "trace":
		l = zerolog.TraceLevel
	case "debug":
		l = zerolog.DebugLevel
	case "info":
		l = zerolog.InfoLevel
	case "warn":
		l = zerolog.WarnLevel
	case "error":
		l = zerolog.ErrorLevel
	default:
		l = zerolog.WarnLevel
	}

	out := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(out).Level(l).With().Timestamp().Logger()
}
