// Package logger configures slog for the query services and propagates
// per-request identity (request id, shard id) through contexts so every log
// line of one query can be correlated across the broker and its shards.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	shardIDKey
)

// Setup installs the process-wide slog handler.
func Setup(level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithRequestID stores the request id for FromContext.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithShardID stores the shard id for FromContext; used on the searcher
// side so one shard's lines are distinguishable in aggregated logs.
func WithShardID(ctx context.Context, shardID int) context.Context {
	return context.WithValue(ctx, shardIDKey, shardID)
}

// FromContext returns the default logger enriched with whatever request
// identity the context carries.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		logger = logger.With("request_id", requestID)
	}
	if shardID, ok := ctx.Value(shardIDKey).(int); ok {
		logger = logger.With("shard_id", shardID)
	}
	return logger
}

// WithComponent returns a component-scoped logger.
func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
