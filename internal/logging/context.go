package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// NewCorrelationID returns a short random id for tying log lines together.
func NewCorrelationID() string {
	return uuid.New().String()[:8]
}

// ContextWithCorrelationID returns ctx carrying id.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation id, or "" if absent.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns base enriched with the correlation id carried by ctx.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func Ctx(ctx context.Context, base zerolog.Logger) *zerolog.Logger {
	l := base
	if id := CorrelationIDFromContext(ctx); id != "" {
		l = l.With().Str("correlation_id", id).Logger()
	}
	return &l
}
