package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.TickID != 0 {
		lc = lc.Uint64("tick_id", tc.TickID)
	}
	if tc.RequestID != 0 {
		lc = lc.Uint64("request_id", tc.RequestID)
	}
	if tc.ChannelID != "" {
		lc = lc.Str("channel_id", tc.ChannelID)
	}
	if tc.ActuatorID != "" {
		lc = lc.Str("actuator_id", tc.ActuatorID)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
