package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithContext attaches logger to ctx. The evaluator API stores a logger
// carrying the request id, and the connection factories read it back.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger attached to ctx, falling back to slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
