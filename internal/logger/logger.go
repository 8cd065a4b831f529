// Package logger is the process-wide structured logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger. It writes console output to stderr until Setup
// is called.
var Log = New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

// Logger writes leveled messages with key/value fields.
type Logger struct {
	z zerolog.Logger
}

// New returns a logger writing to w.
func New(w io.Writer) *Logger {
	return &Logger{z: zerolog.New(w).With().Timestamp().Logger()}
}

// ParseLevel maps a level name to a zerolog level. Unknown names yield info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// Setup configures the global logger. format is "json" or "console".
func Setup(level, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	if strings.EqualFold(format, "json") {
		Log = New(os.Stderr)
		return
	}
	Log = New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// With returns a child logger carrying the given key/value pairs on every
// message.
func (l *Logger) With(args ...interface{}) *Logger {
	c := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		c = c.Interface(key(args[i]), args[i+1])
	}
	return &Logger{z: c.Logger()}
}

func (l *Logger) Debug(msg string, args ...interface{}) { emit(l.z.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { emit(l.z.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { emit(l.z.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { emit(l.z.Error(), msg, args) }

// Fatal logs and exits the process.
func (l *Logger) Fatal(msg string, args ...interface{}) { emit(l.z.Fatal(), msg, args) }

// emit attaches the key/value pairs and writes the event. An error value is
// written with zerolog's error field handling; a trailing key without a value
// is dropped.
func emit(e *zerolog.Event, msg string, args []interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		k := key(args[i])
		if err, ok := args[i+1].(error); ok {
			e = e.AnErr(k, err)
			continue
		}
		e = e.Interface(k, args[i+1])
	}
	e.Msg(msg)
}

func key(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", k)
}
