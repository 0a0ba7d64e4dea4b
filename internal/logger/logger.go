// Package logger wraps zerolog behind the small interface used across b0masks.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

type Logger interface {
	Debug(component, message string, fields map[string]interface{})
	Info(component, message string, fields map[string]interface{})
	Warning(component, message string, fields map[string]interface{})
	Error(component string, err error, fields map[string]interface{})
}

// Options selects where log lines go and how they look.
type Options struct {
	Verbose bool
	JSON    bool

	// Logfile enables a rotating file sink in addition to stderr
	Logfile string
	MaxSize int // megabytes
	MaxAge  int // days
}

type ZerologAdapter struct {
	logger zerolog.Logger
	closer io.Closer
}

func NewZerolog(writer io.Writer, level zerolog.Level) *ZerologAdapter {
	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &ZerologAdapter{logger: logger}
}

// New builds a logger from opts. Console output goes to stderr so stdout
// stays free for the run report.
func New(opts Options) *ZerologAdapter {
	level := zerolog.InfoLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}

	var console io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if opts.JSON {
		console = os.Stderr
	}

	if opts.Logfile == "" {
		return NewZerolog(console, level)
	}

	l := &lumberjack.Logger{
		Filename: opts.Logfile,
		MaxSize:  opts.MaxSize,
		MaxAge:   opts.MaxAge,
	}
	z := NewZerolog(zerolog.MultiLevelWriter(console, l), level)
	z.closer = l
	return z
}

func (z *ZerologAdapter) Info(component, message string, fields map[string]interface{}) {
	emit(z.logger.Info(), component, fields).Msg(message)
}

// Error logs err; a failed task carries its index and kind in fields.
func (z *ZerologAdapter) Error(component string, err error, fields map[string]interface{}) {
	msg := "operation failed"
	if _, ok := fields["index"]; ok {
		msg = "volume failed"
	}
	emit(z.logger.Error().Err(err), component, fields).Msg(msg)
}

func (z *ZerologAdapter) Warning(component, message string, fields map[string]interface{}) {
	emit(z.logger.Warn(), component, fields).Msg(message)
}

func (z *ZerologAdapter) Debug(component, message string, fields map[string]interface{}) {
	emit(z.logger.Debug(), component, fields).Msg(message)
}

// emit adds fields in key order. Errors, durations and Stringers such as
// task IDs get typed encodings.
func emit(event *zerolog.Event, component string, fields map[string]interface{}) *zerolog.Event {
	event = event.Str("component", component)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			event = event.AnErr(k, v)
		case time.Duration:
			event = event.Dur(k, v)
		case fmt.Stringer:
			event = event.Stringer(k, v)
		default:
			event = event.Interface(k, v)
		}
	}
	return event
}

// Close releases the log file, if any.
func (z *ZerologAdapter) Close() error {
	if z.closer == nil {
		return nil
	}
	return z.closer.Close()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Debug(component, message string, fields map[string]interface{})   {}
func (Nop) Info(component, message string, fields map[string]interface{})    {}
func (Nop) Warning(component, message string, fields map[string]interface{}) {}
func (Nop) Error(component string, err error, fields map[string]interface{}) {}
