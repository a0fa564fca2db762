package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TickIDKey is the context key for the orchestrator tick number
	TickIDKey ContextKey = "tick_id"
	// RequestIDKey is the context key for the cognition request id
	RequestIDKey ContextKey = "request_id"
	// ChannelIDKey is the context key for an input channel
	ChannelIDKey ContextKey = "channel_id"
	// ActuatorIDKey is the context key for an actuator
	ActuatorIDKey ContextKey = "actuator_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	TickID     uint64
	RequestID  uint64
	ChannelID  string
	ActuatorID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTickID adds a tick number to the context
func WithTickID(ctx context.Context, tickID uint64) context.Context {
	return context.WithValue(ctx, TickIDKey, tickID)
}

// WithRequestID adds a cognition request id to the context
func WithRequestID(ctx context.Context, requestID uint64) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithChannelID adds an input channel id to the context
func WithChannelID(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, ChannelIDKey, channelID)
}

// WithActuatorID adds an actuator id to the context
func WithActuatorID(ctx context.Context, actuatorID string) context.Context {
	return context.WithValue(ctx, ActuatorIDKey, actuatorID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetTickID retrieves the tick number from the context
func GetTickID(ctx context.Context) uint64 {
	if id, ok := ctx.Value(TickIDKey).(uint64); ok {
		return id
	}
	return 0
}

// GetRequestID retrieves the cognition request id from the context
func GetRequestID(ctx context.Context) uint64 {
	if id, ok := ctx.Value(RequestIDKey).(uint64); ok {
		return id
	}
	return 0
}

// GetChannelID retrieves the channel id from the context
func GetChannelID(ctx context.Context) string {
	if id, ok := ctx.Value(ChannelIDKey).(string); ok {
		return id
	}
	return ""
}

// GetActuatorID retrieves the actuator id from the context
func GetActuatorID(ctx context.Context) string {
	if id, ok := ctx.Value(ActuatorIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		TickID:     GetTickID(ctx),
		RequestID:  GetRequestID(ctx),
		ChannelID:  GetChannelID(ctx),
		ActuatorID: GetActuatorID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.TickID != 0 {
		ctx = WithTickID(ctx, tc.TickID)
	}
	if tc.RequestID != 0 {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.ChannelID != "" {
		ctx = WithChannelID(ctx, tc.ChannelID)
	}
	if tc.ActuatorID != "" {
		ctx = WithActuatorID(ctx, tc.ActuatorID)
	}
	return ctx
}

// NewTickContext starts a fresh trace for one orchestrator tick.
func NewTickContext(ctx context.Context, tickID uint64) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	return WithTickID(ctx, tickID)
}
