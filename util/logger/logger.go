package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Log is the process wide logger used by the driver and its backends.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = New(os.Stderr, "console")
}

// New builds a logger writing to w. Format "json" emits one JSON object per line,
// anything else uses the human readable console writer.
func New(w io.Writer, format string) *Logger {
	if strings.ToLower(format) == "json" {
		return &Logger{z: zerolog.New(w).With().Timestamp().Logger()}
	}
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: !isTerminal(w)}
	return &Logger{z: zerolog.New(output).With().Timestamp().Logger()}
}

// Setup configures the global logger level and format.
func Setup(level string, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	Log = New(os.Stderr, format)
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger carrying the given key-value pairs on every event.
func (l *Logger) With(args ...interface{}) *Logger {
	ctx := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		ctx = ctx.Interface(keyOf(args[i]), args[i+1])
	}
	return &Logger{z: ctx.Logger()}
}

// Info logs at Info level with variadic key-value pairs
func (l *Logger) Info(msg string, args ...interface{}) {
	e := l.z.Info()
	addFields(e, args...)
	e.Msg(msg)
}

// Debug logs at Debug level with variadic key-value pairs
func (l *Logger) Debug(msg string, args ...interface{}) {
	e := l.z.Debug()
	addFields(e, args...)
	e.Msg(msg)
}

// Warn logs at Warn level with variadic key-value pairs
func (l *Logger) Warn(msg string, args ...interface{}) {
	e := l.z.Warn()
	addFields(e, args...)
	e.Msg(msg)
}

// Error logs at Error level with variadic key-value pairs
func (l *Logger) Error(msg string, args ...interface{}) {
	e := l.z.Error()
	addFields(e, args...)
	e.Msg(msg)
}

func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		if err, ok := args[i+1].(error); ok {
			e.AnErr(keyOf(args[i]), err)
			continue
		}
		e.Interface(keyOf(args[i]), args[i+1])
	}
}

func keyOf(k interface{}) string {
	key, ok := k.(string)
	if !ok {
		key = fmt.Sprintf("%v", k)
	}
	return key
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
