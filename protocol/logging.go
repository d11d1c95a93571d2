package protocol

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLogLevel maps DEBUG, INFO, WARN and ERROR (any case) to a zerolog
// level. Unknown values fall back to info.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// InitLogger builds the process logger. Format "console" writes human
// readable lines, anything else writes JSON. Debug and trace loggers include
// the caller.
func InitLogger(logLevel, logFormat string) zerolog.Logger {
	return newLogger(os.Stdout, logLevel, logFormat)
}

func newLogger(out io.Writer, logLevel, logFormat string) zerolog.Logger {
	level := ParseLogLevel(logLevel)
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(logFormat, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// ParseDuration accepts Go duration strings ("10s", "1m30s") and plain
// seconds ("10"). Empty or invalid values return defaultVal.
func ParseDuration(val string, defaultVal time.Duration) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return defaultVal
	}
	if seconds, err := strconv.Atoi(val); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return defaultVal
}
