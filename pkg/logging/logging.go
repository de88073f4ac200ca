package logging

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
)

var (
	programLevel = new(slog.LevelVar) // Info by default

	loggingDebug = flag.Bool("logging.debug", false, "Enable debug logging")
)

// Logger is the logging surface shared by every component. Components derive
// scoped loggers with With, e.g. global.Logger.With("component", "relay").
type Logger interface {
	Debug(msg string, args ...any)
	Debugf(format string, v ...any)
	Info(msg string, args ...any)
	Infof(format string, v ...any)
	Warn(msg string, args ...any)
	Warnf(format string, v ...any)
	Error(msg string, args ...any)
	Errorf(format string, v ...any)
	Fatalf(format string, v ...any)

	With(args ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// NewDefaultLogger returns a text logger on stderr. The level follows
// -logging.debug, so it must be called after flag.Parse.
func NewDefaultLogger() Logger {
	if *loggingDebug {
		programLevel.Set(slog.LevelDebug)
	}
	return NewLogger(os.Stderr, programLevel)
}

func NewLogger(w io.Writer, level slog.Leveler) Logger {
	return &slogLogger{
		l: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})),
	}
}

// NewNopLogger discards everything, used by tests.
func NewNopLogger() Logger {
	return NewLogger(io.Discard, slog.LevelError+1)
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) Debugf(format string, v ...any) { s.l.Debug(fmt.Sprintf(format, v...)) }
func (s *slogLogger) Infof(format string, v ...any)  { s.l.Info(fmt.Sprintf(format, v...)) }
func (s *slogLogger) Warnf(format string, v ...any)  { s.l.Warn(fmt.Sprintf(format, v...)) }
func (s *slogLogger) Errorf(format string, v ...any) { s.l.Error(fmt.Sprintf(format, v...)) }

func (s *slogLogger) Fatalf(format string, v ...any) {
	s.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

// SetLevel changes the level of every logger created by NewDefaultLogger.
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}
