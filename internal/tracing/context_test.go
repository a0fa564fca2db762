package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestTickAndRequestIDs(t *testing.T) {
	ctx := WithTickID(context.Background(), 7)
	ctx = WithRequestID(ctx, 42)

	if got := GetTickID(ctx); got != 7 {
		t.Errorf("Expected tick ID 7, got %d", got)
	}
	if got := GetRequestID(ctx); got != 42 {
		t.Errorf("Expected request ID 42, got %d", got)
	}
}

func TestEmptyContext(t *testing.T) {
	tc := FromContext(context.Background())

	if tc.TraceID != "" || tc.TickID != 0 || tc.RequestID != 0 {
		t.Errorf("Expected empty trace context, got %+v", tc)
	}
}

func TestNewContextRoundTrip(t *testing.T) {
	in := &TraceContext{
		TraceID:    "trace-1",
		TickID:     3,
		RequestID:  9,
		ChannelID:  "vision",
		ActuatorID: "wheels",
	}

	out := FromContext(NewContext(context.Background(), in))
	if *out != *in {
		t.Errorf("Expected %+v, got %+v", in, out)
	}
}

func TestNewTickContext(t *testing.T) {
	ctx := NewTickContext(context.Background(), 5)

	if GetTraceID(ctx) == "" {
		t.Error("Trace ID not generated for tick")
	}
	if GetTickID(ctx) != 5 {
		t.Errorf("Expected tick ID 5, got %d", GetTickID(ctx))
	}
}
