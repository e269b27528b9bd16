package faster

import (
	"context"
	"errors"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with store-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithKeyLen adds a key length field to the logger. Key bytes are
// never logged.
func (l *Logger) WithKeyLen(n int) *Logger {
	return &Logger{Logger: l.Logger.With("key_len", n)}
}

// WithAddress adds a log address field to the logger.
func (l *Logger) WithAddress(addr uint64) *Logger {
	return &Logger{Logger: l.Logger.With("address", addr)}
}

// LogUpsert logs an upsert operation.
func (l *Logger) LogUpsert(ctx context.Context, keyLen, valueLen int, relocated bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "upsert failed",
			"key_len", keyLen,
			"value_len", valueLen,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "upsert completed",
		"key_len", keyLen,
		"value_len", valueLen,
		"relocated", relocated,
	)
}

// LogRMW logs a read-modify-write operation.
func (l *Logger) LogRMW(ctx context.Context, keyLen int, relocated bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rmw failed",
			"key_len", keyLen,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "rmw completed",
		"key_len", keyLen,
		"relocated", relocated,
	)
}

// LogDelete logs a delete operation. Deleting an absent key is a
// normal outcome and stays at debug level.
func (l *Logger) LogDelete(ctx context.Context, keyLen int, err error) {
	switch {
	case err == nil:
		l.DebugContext(ctx, "delete completed", "key_len", keyLen)
	case errors.Is(err, ErrNotFound):
		l.DebugContext(ctx, "delete of absent key", "key_len", keyLen)
	default:
		l.ErrorContext(ctx, "delete failed",
			"key_len", keyLen,
			"error", err,
		)
	}
}

// LogCompaction logs a compaction run.
func (l *Logger) LogCompaction(ctx context.Context, until uint64, relocated, dropped uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"until", until,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "compaction completed",
		"until", until,
		"relocated", relocated,
		"tombstones_dropped", dropped,
	)
}

// LogOffload logs a head shift that sealed pages to the segment store.
func (l *Logger) LogOffload(ctx context.Context, until uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "offload failed",
			"until", until,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "offload completed", "until", until)
}
