package sandbox

import (
	"context"
	"log/slog"

	"github.com/ericfisherdev/plughub/internal/diagnostics"
)

type logCap struct {
	owner
	logger *slog.Logger
	diag   *diagnostics.Recorder
}

func newLog(o owner, diag *diagnostics.Recorder) *logCap {
	return &logCap{
		owner: o,
		logger: slog.Default().With(
			"plugin", o.plugin,
			"user_id", o.userID,
			"execution_id", o.executionID,
		),
		diag: diag,
	}
}

// Info logs at info level.
func (l *logCap) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args) }

// Warn logs at warn level.
func (l *logCap) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args) }

// Error logs at error level.
func (l *logCap) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args) }

func (l *logCap) log(level slog.Level, msg string, args []any) {
	l.logger.Log(context.Background(), level, msg, args...)

	fields := map[string]any{"message": msg}
	for i := 0; i+1 < len(args); i += 2 {
		if k, ok := args[i].(string); ok && k != "message" {
			fields[k] = args[i+1]
		}
	}
	l.diag.Emit(diagnostics.Event{
		Event:       diagnostics.EventPluginLog,
		Level:       level,
		Plugin:      l.plugin,
		UserID:      l.userID,
		ExecutionID: l.executionID,
		Fields:      fields,
	})
}
