package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/funnyzak/recproxy/internal/config"
)

// Logger logging interface
type Logger interface {
	// Debug logs a Debug event.
	Debug(msg string, fields ...interface{})
	// Info logs an Info event.
	Info(msg string, fields ...interface{})
	// Warn logs a Warn event.
	Warn(msg string, fields ...interface{})
	// Error logs an Error event.
	Error(msg string, fields ...interface{})
	// Fatal logs a Fatal event and terminates the program.
	Fatal(msg string, fields ...interface{})
	// With returns a child logger that always carries the given fields.
	With(fields ...interface{}) Logger
}

// zerologAdapter zerolog adapter
type zerologAdapter struct {
	logger *zerolog.Logger
}

// fieldSink is satisfied by both *zerolog.Event and zerolog.Context.
type fieldSink[T any] interface {
	Str(string, string) T
	Int(string, int) T
	Int64(string, int64) T
	Uint64(string, uint64) T
	Float64(string, float64) T
	Bool(string, bool) T
	AnErr(string, error) T
	Strs(string, []string) T
	Interface(string, interface{}) T
}

func addFields[T fieldSink[T]](sink T, fields ...interface{}) T {
	// Fields are key-value pairs; a dangling key is dropped.
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			sink = sink.Str(key, v)
		case int:
			sink = sink.Int(key, v)
		case int64:
			sink = sink.Int64(key, v)
		case int32:
			sink = sink.Int64(key, int64(v))
		case uint:
			sink = sink.Uint64(key, uint64(v))
		case uint64:
			sink = sink.Uint64(key, v)
		case uint32:
			sink = sink.Uint64(key, uint64(v))
		case float64:
			sink = sink.Float64(key, v)
		case float32:
			sink = sink.Float64(key, float64(v))
		case bool:
			sink = sink.Bool(key, v)
		case error:
			sink = sink.AnErr(key, v)
		case []string:
			sink = sink.Strs(key, v)
		default:
			sink = sink.Interface(key, v)
		}
	}
	return sink
}

// Debug implements Logger
func (z *zerologAdapter) Debug(msg string, fields ...interface{}) {
	addFields(z.logger.Debug(), fields...).Msg(msg)
}

// Info implements Logger
func (z *zerologAdapter) Info(msg string, fields ...interface{}) {
	addFields(z.logger.Info(), fields...).Msg(msg)
}

// Warn implements Logger
func (z *zerologAdapter) Warn(msg string, fields ...interface{}) {
	addFields(z.logger.Warn(), fields...).Msg(msg)
}

// Error implements Logger
func (z *zerologAdapter) Error(msg string, fields ...interface{}) {
	addFields(z.logger.Error(), fields...).Msg(msg)
}

// Fatal implements Logger
func (z *zerologAdapter) Fatal(msg string, fields ...interface{}) {
	addFields(z.logger.Fatal(), fields...).Msg(msg)
}

// With implements Logger
func (z *zerologAdapter) With(fields ...interface{}) Logger {
	child := addFields(z.logger.With(), fields...).Logger()
	return &zerologAdapter{logger: &child}
}

// NewLogger creates new logger instance. Log lines go to stderr so that
// stdout stays reserved for the interaction printer.
func NewLogger(cfg *config.LogConfig, outputMode string) Logger {
	return newLogger(cfg, outputMode, os.Stderr)
}

func newLogger(cfg *config.LogConfig, outputMode string, out io.Writer) Logger {
	logLevel, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	var writers []io.Writer
	if strings.ToLower(outputMode) == "json" {
		writers = append(writers, out)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.FileLogging.Enable {
		// File logging always uses JSON lines
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FileLogging.Path,
			MaxSize:    cfg.FileLogging.MaxSizeMB,
			MaxBackups: cfg.FileLogging.MaxBackups,
			MaxAge:     cfg.FileLogging.MaxAgeDays,
			Compress:   cfg.FileLogging.Compress,
		})
	}

	logger := zerolog.New(io.MultiWriter(writers...)).Level(logLevel).With().Timestamp().Logger()
	return &zerologAdapter{logger: &logger}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	logger := zerolog.Nop()
	return &zerologAdapter{logger: &logger}
}
