// Package logging builds the structured zerolog logger used across the
// service, mirroring the teacher's Loki-oriented setup.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity, configured via LOG_LEVEL.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format controls whether output is Loki-friendly JSON or a human console.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures New.
type Config struct {
	Level  Level
	Format Format
}

// New builds a zerolog.Logger tagged with service=marketfeed.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout

	var lvl zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		lvl = zerolog.DebugLevel
	case LevelWarn:
		lvl = zerolog.WarnLevel
	case LevelError:
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.Format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).With().
		Timestamp().
		Str("service", "marketfeed").
		Logger()
}

// AuditLog is a thin info/warning/critical helper for named lifecycle
// events, carrying a map of fields the way the teacher's AuditLogger does
// for calls like NATSConnected/ServerAtCapacity (src/server.go), but backed
// by the same zerolog sink as the rest of the service rather than a second
// logging pipeline.
type AuditLog struct {
	logger zerolog.Logger
}

// NewAuditLog wraps logger for structured named-event logging.
func NewAuditLog(logger zerolog.Logger) AuditLog {
	return AuditLog{logger: logger}
}

func (a AuditLog) log(level zerolog.Level, event, message string, fields map[string]any) {
	e := a.logger.WithLevel(level).Str("event", event)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(message)
}

// Info logs a normal-operation named event.
func (a AuditLog) Info(event, message string, fields map[string]any) {
	a.log(zerolog.InfoLevel, event, message, fields)
}

// Warning logs a named event the service recovered from on its own.
func (a AuditLog) Warning(event, message string, fields map[string]any) {
	a.log(zerolog.WarnLevel, event, message, fields)
}

// Critical logs a named event indicating degraded or lost service.
func (a AuditLog) Critical(event, message string, fields map[string]any) {
	a.log(zerolog.ErrorLevel, event, message, fields)
}
