// Package logger provides structured logging for the ocrflow pipeline.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with pipeline-specific child loggers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console output for interactive runs
	Output io.Writer
}

// New creates a structured logger.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "ocrflow").
		Logger()

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

// WorkerLogger returns a child logger tagged with a worker id.
func (l *Logger) WorkerLogger(workerID int) *Logger {
	return &Logger{zlog: l.zlog.With().Int("worker", workerID).Logger()}
}

// DocLogger returns a child logger tagged with a document reference.
func (l *Logger) DocLogger(sourceRef string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("document", sourceRef).Logger()}
}

// PageLogger returns a child logger tagged with a document page.
func (l *Logger) PageLogger(sourceRef string, page int) *Logger {
	return &Logger{zlog: l.zlog.With().Str("document", sourceRef).Int("page", page).Logger()}
}

// ComponentLogger returns a child logger tagged with a component name.
func (l *Logger) ComponentLogger(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}
