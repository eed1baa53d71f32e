// Package logger provides the structured logger shared by the preprocessing
// packages. Library code accepts a Logger and defaults to Nop.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the logging surface used across ctnoduleprep
type Logger interface {
	Debug(component, msg string, fields map[string]interface{})
	Info(component, msg string, fields map[string]interface{})
	Warning(component, msg string, fields map[string]interface{})
	Error(component string, err error, fields map[string]interface{})
}

// ZerologAdapter implements Logger on top of zerolog
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerolog writes JSON lines to writer at the given level
func NewZerolog(writer io.Writer, level zerolog.Level) *ZerologAdapter {
	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &ZerologAdapter{logger: logger}
}

// NewConsoleLogger writes human readable lines to stderr
func NewConsoleLogger(level zerolog.Level) *ZerologAdapter {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
	return NewZerolog(consoleWriter, level)
}

// Nop returns a logger that discards everything
func Nop() *ZerologAdapter {
	return &ZerologAdapter{logger: zerolog.Nop()}
}

// ParseLevel maps a config/flag value onto a zerolog level, defaulting to info
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// emit tags event with component and fields and writes it
func emit(event *zerolog.Event, component, msg string, fields map[string]interface{}) {
	event = event.Str("component", component)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Debug records per-annotation and per-stage detail; hidden at the default level
func (z *ZerologAdapter) Debug(component, msg string, fields map[string]interface{}) {
	emit(z.logger.Debug(), component, msg, fields)
}

// Info records batch progress: annotations loaded, scans processed, run summary
func (z *ZerologAdapter) Info(component, msg string, fields map[string]interface{}) {
	emit(z.logger.Info(), component, msg, fields)
}

// Warning records recoverable problems such as a preview that could not be written
func (z *ZerologAdapter) Warning(component, msg string, fields map[string]interface{}) {
	emit(z.logger.Warn(), component, msg, fields)
}

// Error records a failed scan. The scan is counted and the batch goes on,
// so err is attached under "error" rather than returned.
func (z *ZerologAdapter) Error(component string, err error, fields map[string]interface{}) {
	emit(z.logger.Error().Err(err), component, "scan failed", fields)
}
