package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below slog.LevelDebug for pion's trace output.
const LevelTrace = slog.LevelDebug - 4

// SlogLoggerFactory routes pion's scoped loggers into slog.
type SlogLoggerFactory struct {
	Logger *slog.Logger
}

func NewSlogLoggerFactory(logger *slog.Logger) *SlogLoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLoggerFactory{Logger: logger}
}

func (f *SlogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.Logger.With("pion_scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

var _ logging.LeveledLogger = (*slogLeveledLogger)(nil)

func (l *slogLeveledLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *slogLeveledLogger) emitf(level slog.Level, format string, args ...any) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Trace(msg string) { l.emit(LevelTrace, msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...any) {
	l.emitf(LevelTrace, format, args...)
}
func (l *slogLeveledLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...any) {
	l.emitf(slog.LevelDebug, format, args...)
}
func (l *slogLeveledLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l *slogLeveledLogger) Infof(format string, args ...any) {
	l.emitf(slog.LevelInfo, format, args...)
}
func (l *slogLeveledLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...any) {
	l.emitf(slog.LevelWarn, format, args...)
}
func (l *slogLeveledLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...any) {
	l.emitf(slog.LevelError, format, args...)
}
