package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/engine"
)

// Logger carries the fields attached to one plugin invocation.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger builds a logger writing to stdout, stderr or an appended file.
// Unknown levels fall back to info.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var out io.Writer
	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "", "stderr":
		out = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = file
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	case "unixmicro":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger()}, nil
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithFields returns a child logger with the given fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Fields(fields).Logger()}
}

// WithField returns a child logger with one more field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Interface(key, value).Logger()}
}

// WithPlugin adds the plugin name.
func (l *Logger) WithPlugin(plugin string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("plugin", plugin).Logger()}
}

// WithInvocationID adds the invocation ID.
func (l *Logger) WithInvocationID(id string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("invocation_id", id).Logger()}
}

// Info logs msg at info level.
func (l *Logger) Info(msg string) {
	l.zlog.Info().Msg(msg)
}

// Result logs the outcome of an invocation: info on success, error with
// the classified error otherwise.
func (l *Logger) Result(result *engine.Result, duration time.Duration) {
	evt := l.zlog.Info()
	if result.Error != nil {
		evt = l.zlog.Error().Err(result.Error).Str("class", string(result.Error.Class))
	}
	evt.Str("status", string(result.Status)).
		Bool("changed", result.Changed).
		Int("items", len(result.Items)).
		Dur("duration", duration).
		Msg("invocation finished")
}

// Zerolog returns the underlying logger for packages that take a
// zerolog.Logger directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}
