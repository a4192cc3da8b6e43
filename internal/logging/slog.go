package logging

import (
	"context"
	"log/slog"
)

// SlogLogger adapts a *slog.Logger to the Logger interface. The context is
// forwarded so slog handlers can pick up request- or session-scoped values.
type SlogLogger struct {
	sl *slog.Logger
}

// NewSlogLogger wraps sl.
func NewSlogLogger(sl *slog.Logger) *SlogLogger {
	return &SlogLogger{sl: sl}
}

func (l *SlogLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.sl.DebugContext(ctx, msg, args...)
}

func (l *SlogLogger) Info(ctx context.Context, msg string, args ...any) {
	l.sl.InfoContext(ctx, msg, args...)
}

func (l *SlogLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.sl.WarnContext(ctx, msg, args...)
}

func (l *SlogLogger) Error(ctx context.Context, msg string, args ...any) {
	l.sl.ErrorContext(ctx, msg, args...)
}

// With returns a child logger whose slog.Logger carries the extra attributes.
func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{sl: l.sl.With(args...)}
}
