package errutil

import (
	"io"
	"log/slog"
)

// LogMsg logs a recoverable error at warn level if it is not nil.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		slog.Warn(msg, append([]any{"error", err}, args...)...)
	}
}

// ReportError logs an unexpected error at error level if it is not nil.
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		slog.Error(msg, append([]any{"error", err}, args...)...)
	}
}

// Close closes c and logs a failure through LogMsg.
func Close(c io.Closer, msg string, args ...any) {
	LogMsg(c.Close(), msg, args...)
}
